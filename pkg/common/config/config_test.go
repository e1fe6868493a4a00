package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.ActivitySamplingRate != time.Minute {
		t.Fatalf("expected 60s sampling rate, got %v", cfg.ActivitySamplingRate)
	}
	if cfg.ActivityLockTTL != 30*time.Second || cfg.ActivityLockWait != 30*time.Second {
		t.Fatalf("unexpected lock timings %v %v", cfg.ActivityLockTTL, cfg.ActivityLockWait)
	}
	if len(cfg.JobBlockingStatuses) != 2 || cfg.JobBlockingStatuses[0] != "DONE" || cfg.JobBlockingStatuses[1] != "CANCELLED" {
		t.Fatalf("unexpected blocking statuses %v", cfg.JobBlockingStatuses)
	}
	if cfg.ActivityLocker != "redis" || cfg.ActivityEmbedUploader {
		t.Fatalf("expected shared redis locks by default, got %q %v", cfg.ActivityLocker, cfg.ActivityEmbedUploader)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("ACTIVITY_SAMPLING_RATE", "15")
	t.Setenv("ACTIVITY_WORKERS", "8")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")
	t.Setenv("JOB_BLOCKING_STATUSES", "DONE")
	t.Setenv("ACTIVITY_LOCK_WAIT", "bogus")
	t.Setenv("RATE_LIMIT_RPS", "50")
	t.Setenv("ACTIVITY_LOCKER", "local")
	t.Setenv("ACTIVITY_EMBED_UPLOADER", "true")
	t.Setenv("KAFKA_REDELIVERY_PAUSE", "250ms")

	cfg := Load()
	if cfg.ActivitySamplingRate != 15*time.Second || cfg.ActivityWorkers != 8 {
		t.Fatalf("unexpected activity settings %v %d", cfg.ActivitySamplingRate, cfg.ActivityWorkers)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "kafka-2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.KafkaBrokers)
	}
	if len(cfg.JobBlockingStatuses) != 1 {
		t.Fatalf("unexpected blocking statuses %v", cfg.JobBlockingStatuses)
	}
	if cfg.ActivityLockWait != 30*time.Second {
		t.Fatalf("expected invalid duration to fall back, got %v", cfg.ActivityLockWait)
	}
	if cfg.RateLimitRPS != 50 || cfg.RateLimitBurst != 0 {
		t.Fatalf("unexpected rate limit %d/%d", cfg.RateLimitRPS, cfg.RateLimitBurst)
	}
	if cfg.ActivityLocker != "local" || !cfg.ActivityEmbedUploader {
		t.Fatalf("unexpected locker settings %q %v", cfg.ActivityLocker, cfg.ActivityEmbedUploader)
	}
	if cfg.KafkaRedeliveryPause != 250*time.Millisecond {
		t.Fatalf("unexpected redelivery pause %v", cfg.KafkaRedeliveryPause)
	}
}
