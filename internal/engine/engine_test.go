package engine

import (
	"context"
	"testing"
	"time"

	"topicarchive/internal/config"
	"topicarchive/internal/transport"
)

func TestOptionsMapsChannelDepth(t *testing.T) {
	p := config.Pipeline{BatchSize: 10, ChannelDepth: 0, Workers: 2, Level: 0, PollTimeout: time.Second}
	o := Options(p)
	if o.ChannelDepth != -1 {
		t.Fatalf("depth 0 should select a hand-off, got %d", o.ChannelDepth)
	}
	if o.BatchSize != 10 || o.Workers != 2 || o.Level != 0 {
		t.Fatalf("unexpected options %+v", o)
	}

	p.ChannelDepth = 3
	if got := Options(p).ChannelDepth; got != 3 {
		t.Fatalf("depth = %d, want 3", got)
	}
}

func TestModeService(t *testing.T) {
	if ModeBackup.service() != transport.BackupService || ModeRestore.service() != transport.RestoreService {
		t.Fatal("mode to health service mapping is wrong")
	}
}

func TestRunRejectsUnknownMode(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e, err := Bootstrap(ctx, config.Config{})
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	defer e.Close()

	if _, err := e.Run(ctx, Mode("compact")); err == nil {
		t.Fatal("expected error for unknown mode")
	}
	e.Close()
}
