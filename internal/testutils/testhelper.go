package testutils

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bgatt/adapter"
	"github.com/srg/bgatt/internal/device"
	"github.com/srg/bgatt/internal/simulator"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper. BGATT_TEST_DEBUG=1 turns on debug logs.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	if os.Getenv("BGATT_TEST_DEBUG") != "" {
		logger.SetLevel(logrus.DebugLevel)
	}
	return &TestHelper{
		T:      t,
		Logger: logger,
	}
}

// SimulatedAdapter opens an adapter over a simulator running profile (the
// built-in one when empty). Both are closed when the test ends.
func (h *TestHelper) SimulatedAdapter(profile string) (*adapter.Adapter, *simulator.Gateway) {
	h.T.Helper()
	if profile == "" {
		profile = simulator.DefaultProfile
	}
	p, err := simulator.ParseProfile([]byte(profile))
	if err != nil {
		h.T.Fatalf("invalid simulator profile: %v", err)
	}
	gw, err := simulator.New(p, h.Logger, simulator.WithScanInterval(10*time.Millisecond))
	if err != nil {
		h.T.Fatalf("failed to start simulator: %v", err)
	}
	a := adapter.Open(context.Background(), gw, adapter.Config{
		CommandTimeout: time.Second,
		Device:         device.Options{ReadTimeout: time.Second},
	}, h.Logger)
	h.T.Cleanup(func() { _ = a.Close() })
	return a, gw
}

// LoadScript reads a file relative to the module root.
func LoadScript(relPath string) (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}

	projectRoot := wd
	for {
		if _, err := os.Stat(filepath.Join(projectRoot, "go.mod")); err == nil {
			break
		}
		parent := filepath.Dir(projectRoot)
		if parent == projectRoot {
			return "", fmt.Errorf("could not find project root (go.mod not found)")
		}
		projectRoot = parent
	}

	fullPath := filepath.Join(projectRoot, relPath)
	data, err := os.ReadFile(fullPath)
	if err != nil {
		return "", fmt.Errorf("failed to read file %s: %w", fullPath, err)
	}
	return string(data), nil
}
