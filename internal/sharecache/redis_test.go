package sharecache

import (
	"context"
	"testing"
)

// A nil *Cache must behave as a fully functional no-op so callers can
// treat the optional cache uniformly whether or not it was configured.

func TestNilCacheIsNoOp(t *testing.T) {
	var c *Cache
	ctx := context.Background()

	if err := c.Ping(ctx); err != nil {
		t.Errorf("Ping on nil cache = %v, want nil", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close on nil cache = %v, want nil", err)
	}

	dup, err := c.CheckShareDuplicate(ctx, "wallet1", "job1", "nonce1")
	if dup || err != nil {
		t.Errorf("CheckShareDuplicate on nil cache = (%v, %v), want (false, nil)", dup, err)
	}

	if err := c.RecordShare(ctx, "wallet1", 1000); err != nil {
		t.Errorf("RecordShare on nil cache = %v, want nil", err)
	}

	hr, err := c.GetPoolHashrate(ctx, 5)
	if hr != 0 || err != nil {
		t.Errorf("GetPoolHashrate on nil cache = (%v, %v), want (0, nil)", hr, err)
	}

	hr, err = c.GetWalletHashrate(ctx, "wallet1", 5)
	if hr != 0 || err != nil {
		t.Errorf("GetWalletHashrate on nil cache = (%v, %v), want (0, nil)", hr, err)
	}

	if err := c.SetWorkerOnline(ctx, "session1"); err != nil {
		t.Errorf("SetWorkerOnline on nil cache = %v, want nil", err)
	}
	if err := c.SetWorkerOffline(ctx, "session1"); err != nil {
		t.Errorf("SetWorkerOffline on nil cache = %v, want nil", err)
	}

	count, err := c.GetOnlineWorkerCount(ctx)
	if count != 0 || err != nil {
		t.Errorf("GetOnlineWorkerCount on nil cache = (%v, %v), want (0, nil)", count, err)
	}

	if err := c.PublishNewJob(ctx, 100); err != nil {
		t.Errorf("PublishNewJob on nil cache = %v, want nil", err)
	}
	if ps := c.SubscribeJobs(ctx); ps != nil {
		t.Errorf("SubscribeJobs on nil cache = %v, want nil", ps)
	}
}
