// Package stratum implements spec.md §4.4's StratumServer (S): a
// line-delimited JSON-RPC mining protocol server speaking both the
// standard (mining.subscribe/authorize/submit) and Monero-style
// (login/getjob/submit) dialects.
package stratum

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Request is an inbound JSON-RPC line. Params may be a positional array
// (standard dialect) or a single object (Monero-style dialect) — both
// unmarshal fine into json.RawMessage and are dispatched by method name.
type Request struct {
	ID     interface{}     `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is an outbound JSON-RPC reply.
type Response struct {
	ID      interface{} `json:"id"`
	JSONRPC string      `json:"jsonrpc,omitempty"`
	Result  interface{} `json:"result"`
	Error   *Error      `json:"error"`
}

// Notification is a server-pushed JSON-RPC message with no id.
type Notification struct {
	JSONRPC string      `json:"jsonrpc,omitempty"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

// Error is encoded as the JSON-RPC error tuple [code, message, null] per
// spec.md §4.4/§6.
type Error struct {
	Code    int
	Message string
}

// MarshalJSON renders Error as the [code, message, null] tuple spec.md §6
// pins ASCII-exact.
func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]interface{}{e.Code, e.Message, nil})
}

func (e *Error) Error() string {
	return fmt.Sprintf("stratum error %d: %s", e.Code, e.Message)
}

// Error codes, per spec.md §4.4's "Error codes" and §6/§8.
var (
	ErrUnknownMethod  = &Error{Code: -1, Message: "unknown method"}
	ErrMalformed      = &Error{Code: 20, Message: "malformed submit"}
	ErrUnknownJob     = &Error{Code: 21, Message: "stale/unknown job"}
	ErrDuplicateShare = &Error{Code: 22, Message: "duplicate share"}
	ErrLowDifficulty  = &Error{Code: 23, Message: "low difficulty share"}
)

// Method name constants for both dialects.
const (
	MethodSubscribe = "mining.subscribe"
	MethodAuthorize = "mining.authorize"
	MethodSubmitStd = "mining.submit"

	MethodLogin      = "login"
	MethodGetJob     = "getjob"
	MethodSubmitMono = "submit"
	MethodKeepAlive  = "keepalived"
)

// JobView is the wire shape of a job in both the Monero-style login
// response and job-notify push, per spec.md §6's ASCII-exact shapes.
type JobView struct {
	Blob     string `json:"blob"`
	JobID    string `json:"job_id"`
	Target   string `json:"target"`
	Algo     string `json:"algo"`
	Height   int64  `json:"height"`
	SeedHash string `json:"seed_hash"`
}

// SubscribeResult is the standard-dialect subscribe response shape:
// [[["mining.notify", session]], extranonce1, extranonce2_size].
type SubscribeResult [3]interface{}

func newSubscribeResult(sessionID string) SubscribeResult {
	extranonce1 := sessionID
	if len(extranonce1) > 8 {
		extranonce1 = extranonce1[:8]
	}
	return SubscribeResult{
		[][2]string{{"mining.notify", sessionID}},
		extranonce1,
		4,
	}
}

// loginParams is the Monero-style login/getjob params object.
type loginParams struct {
	Login string `json:"login"`
	Pass  string `json:"pass"`
	Agent string `json:"agent"`
	RigID string `json:"rigid"`
}

func parseLoginParams(raw json.RawMessage) (loginParams, error) {
	var p loginParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return loginParams{}, err
	}
	if p.Login == "" {
		return loginParams{}, fmt.Errorf("stratum: login missing wallet")
	}
	return p, nil
}

// submitParamsMono is the Monero-style submit params object.
type submitParamsMono struct {
	ID     string `json:"id"`
	JobID  string `json:"job_id"`
	Nonce  string `json:"nonce"`
	Result string `json:"result"`
}

func parseSubmitParamsMono(raw json.RawMessage) (submitParamsMono, error) {
	var p submitParamsMono
	if err := json.Unmarshal(raw, &p); err != nil {
		return submitParamsMono{}, err
	}
	if p.JobID == "" || p.Nonce == "" {
		return submitParamsMono{}, fmt.Errorf("stratum: submit missing job_id/nonce")
	}
	return p, nil
}

// authorizeParamsStd is the standard-dialect positional params for
// mining.authorize: ["wallet.worker", "password"].
func parseAuthorizeParamsStd(raw json.RawMessage) (login string, err error) {
	var arr []string
	if err := json.Unmarshal(raw, &arr); err != nil {
		return "", err
	}
	if len(arr) < 1 || arr[0] == "" {
		return "", fmt.Errorf("stratum: authorize missing login")
	}
	return arr[0], nil
}

// submitParamsStd is the standard-dialect positional params for
// mining.submit: [worker, job_id, nonce, ...].
func parseSubmitParamsStd(raw json.RawMessage) (jobID, nonce string, err error) {
	var arr []string
	if err := json.Unmarshal(raw, &arr); err != nil {
		return "", "", err
	}
	if len(arr) < 3 {
		return "", "", fmt.Errorf("stratum: submit missing fields")
	}
	return arr[1], arr[2], nil
}

// difficultyToTargetHex renders a vardiff difficulty as the 4-byte
// little-endian hex share target spec.md §6 pins: higher difficulty means
// a smaller (harder) target, mirroring the teacher's own
// DifficultyToCompact/DifficultyToTarget idiom in protocol.go.
func difficultyToTargetHex(difficulty uint64) string {
	if difficulty == 0 {
		difficulty = 1
	}
	const maxTarget = uint64(0xffffffff)
	t := maxTarget / difficulty
	if t == 0 {
		t = 1
	}
	if t > maxTarget {
		t = maxTarget
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(t))
	return hex.EncodeToString(buf[:])
}

// splitWalletWorker parses "wallet.worker" per spec.md §4.4's Authorize
// step; worker defaults to "default" when absent.
func splitWalletWorker(login string) (wallet, worker string) {
	for i := 0; i < len(login); i++ {
		if login[i] == '.' {
			w := login[i+1:]
			if w == "" {
				w = "default"
			}
			return login[:i], w
		}
	}
	return login, "default"
}
