// File: internal/mocks/mocks.go
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
	"github.com/xkilldash9x/scalpel-state/api/schemas"
	"github.com/xkilldash9x/scalpel-state/internal/config"
)

// -- Config Mock --

// MockConfig mocks the config.Interface.
type MockConfig struct {
	mock.Mock
}

var _ config.Interface = (*MockConfig)(nil)

// --- Getters ---

func (m *MockConfig) Logger() config.LoggerConfig {
	args := m.Called()
	return args.Get(0).(config.LoggerConfig)
}

func (m *MockConfig) Browser() config.BrowserConfig {
	args := m.Called()
	return args.Get(0).(config.BrowserConfig)
}

func (m *MockConfig) Capture() config.CaptureConfig {
	args := m.Called()
	return args.Get(0).(config.CaptureConfig)
}

func (m *MockConfig) Restore() config.RestoreConfig {
	args := m.Called()
	return args.Get(0).(config.RestoreConfig)
}

func (m *MockConfig) Replay() config.ReplayConfig {
	args := m.Called()
	return args.Get(0).(config.ReplayConfig)
}

func (m *MockConfig) Serializer() config.SerializerConfig {
	args := m.Called()
	return args.Get(0).(config.SerializerConfig)
}

func (m *MockConfig) Vision() config.VisionConfig {
	args := m.Called()
	return args.Get(0).(config.VisionConfig)
}

func (m *MockConfig) Database() config.DatabaseConfig {
	args := m.Called()
	return args.Get(0).(config.DatabaseConfig)
}

// --- Setters ---

func (m *MockConfig) SetBrowserHeadless(b bool) {
	m.Called(b)
}

func (m *MockConfig) SetReplaySpeedMultiplier(f float64) {
	m.Called(f)
}

func (m *MockConfig) SetReplayDryRun(b bool) {
	m.Called(b)
}

func (m *MockConfig) SetRestoreOptimized(b bool) {
	m.Called(b)
}

// -- Visual Analyzer Mock --

// MockVisualAnalyzer mocks schemas.VisualAnalyzer.
type MockVisualAnalyzer struct {
	mock.Mock
}

var _ schemas.VisualAnalyzer = (*MockVisualAnalyzer)(nil)

func (m *MockVisualAnalyzer) Analyze(ctx context.Context, screenshotPath, prompt string) (*schemas.VisualAnalysis, error) {
	args := m.Called(ctx, screenshotPath, prompt)
	if res := args.Get(0); res != nil {
		return res.(*schemas.VisualAnalysis), args.Error(1)
	}
	return nil, args.Error(1)
}

// -- Store Mocks --

// MockSnapshotStore mocks schemas.SnapshotStore.
type MockSnapshotStore struct {
	mock.Mock
}

var _ schemas.SnapshotStore = (*MockSnapshotStore)(nil)

func (m *MockSnapshotStore) SaveSnapshot(ctx context.Context, rec schemas.SnapshotRecord, blob []byte) error {
	args := m.Called(ctx, rec, blob)
	return args.Error(0)
}

func (m *MockSnapshotStore) LoadSnapshot(ctx context.Context, id string) ([]byte, error) {
	args := m.Called(ctx, id)
	if b := args.Get(0); b != nil {
		return b.([]byte), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSnapshotStore) ListSnapshots(ctx context.Context) ([]schemas.SnapshotRecord, error) {
	args := m.Called(ctx)
	if r := args.Get(0); r != nil {
		return r.([]schemas.SnapshotRecord), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSnapshotStore) DeleteSnapshot(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}
