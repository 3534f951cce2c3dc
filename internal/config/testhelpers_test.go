package config

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func zapSugaredTestLogger(t *testing.T) *zap.SugaredLogger {
	t.Helper()
	log, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("zap.NewDevelopment: %v", err)
	}
	return log.Sugar()
}

func timeoutAfter(t *testing.T) <-chan time.Time {
	t.Helper()
	return time.After(2 * time.Second)
}
