package detector

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/fabric/internal/config"
	"github.com/ocx/fabric/internal/node"
	"github.com/ocx/fabric/pkg/fileevent"
)

func TestShannonEntropy(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want float64
	}{
		{"empty", []byte{}, 0},
		{"single repeated byte", []byte{0x41, 0x41, 0x41, 0x41}, 0},
		{"two symbols even split", []byte{0x00, 0x01, 0x00, 0x01}, 1.0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := ShannonEntropy(tc.data)
			assert.InDelta(t, tc.want, got, 0.001)
		})
	}
}

// TestShannonEntropy_RandomIsHigh exercises B1/S2: near-uniform byte
// distribution should approach the 8.0 ceiling for a byte alphabet.
func TestShannonEntropy_RandomIsHigh(t *testing.T) {
	data := make([]byte, 4096)
	for i := range data {
		data[i] = byte(i % 256)
	}
	got := ShannonEntropy(data)
	assert.Greater(t, got, 7.9)
	assert.LessOrEqual(t, got, 8.0)
}

// TestSizeDeltaBoundary covers B4: 29.9% is not an anomaly, 30.0% is.
func TestSizeDeltaBoundary(t *testing.T) {
	const threshold = 0.3
	tests := []struct {
		name       string
		old, cur   int64
		wantAnomaly bool
	}{
		{"29.9 percent", 1000, 1299, false},
		{"30.0 percent", 1000, 1300, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ratio := absRatio(tc.cur, tc.old)
			assert.Equal(t, tc.wantAnomaly, ratio >= threshold)
		})
	}
}

// TestVelocityBoundary covers B3 via Controller.RecordModify directly.
func TestVelocityBoundary(t *testing.T) {
	base := time.Now()

	t.Run("within 0.99s fires on the 10th", func(t *testing.T) {
		ctrl := node.NewController(node.NewNodeState("finance1"))
		var fired bool
		for i := 0; i < 10; i++ {
			ts := base.Add(time.Duration(i) * (990 * time.Millisecond / 9))
			fired = ctrl.RecordModify(ts, 10, time.Second)
		}
		assert.True(t, fired)
	})

	t.Run("within 1.01s does not fire", func(t *testing.T) {
		ctrl := node.NewController(node.NewNodeState("finance1"))
		var fired bool
		for i := 0; i < 10; i++ {
			ts := base.Add(time.Duration(i) * (1010 * time.Millisecond / 9))
			fired = ctrl.RecordModify(ts, 10, time.Second)
		}
		assert.False(t, fired)
	})
}

// TestHeaderModified covers B1: a file whose first byte is altered but
// whose size is unchanged is caught by the magic-byte check.
func TestHeaderModified(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "report.pdf")
	require.NoError(t, os.WriteFile(path, []byte("XPDF-rest-of-file-unchanged-size"), 0644))

	assert.True(t, headerModified(path, []byte("%PDF")))

	path2 := filepath.Join(dir, "report2.pdf")
	require.NoError(t, os.WriteFile(path2, []byte("%PDF-1.4 ..."), 0644))
	assert.False(t, headerModified(path2, []byte("%PDF")))
}

// TestZeroByteFile covers B2: empty file entropy is 0 and no sampled read
// is possible.
func TestZeroByteFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.bin")
	require.NoError(t, os.WriteFile(path, nil, 0644))

	data, err := ReadSampledData(path, 4096, 4)
	require.NoError(t, err)
	assert.Empty(t, data)
	assert.Equal(t, float64(0), ShannonEntropy(data))
}

// TestPipeline_BaitTrip covers S3: modifying a bait file emits
// BAIT_TRIGGERED at entropy 8.0 and sets local lockdown immediately.
func TestPipeline_BaitTrip(t *testing.T) {
	dir := t.TempDir()
	baitPath := filepath.Join(dir, "!000_admin_passwords.txt")
	require.NoError(t, os.WriteFile(baitPath, []byte("root:x\n"), 0644))

	ctrl := node.NewController(node.NewNodeState("finance1"))
	cfg := &config.DetectorConfig{
		BaitFiles:      []string{"!000_admin_passwords.txt"},
		VelocityWindow: 10,
	}

	var emitted []fileevent.FileEvent
	pipeline := NewPipeline(ctrl, cfg, func(e fileevent.FileEvent) {
		emitted = append(emitted, e)
	})

	pipeline.HandleModify(baitPath)

	require.Len(t, emitted, 1)
	assert.Equal(t, fileevent.KindBaitTriggered, emitted[0].Kind)
	assert.Equal(t, 8.0, emitted[0].Entropy)
	assert.True(t, ctrl.State().Lockdown())
}

// TestPipeline_LockdownSuppressesEvents covers I5/P1: once lockdown is
// set, the detector must not emit further events.
func TestPipeline_LockdownSuppressesEvents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0644))

	ctrl := node.NewController(node.NewNodeState("finance1"))
	ctrl.SetLockdown(true)
	cfg := &config.DetectorConfig{VelocityWindow: 10, SampleBlockSize: 4096, SampleBlockCount: 4}

	var emitted int
	pipeline := NewPipeline(ctrl, cfg, func(e fileevent.FileEvent) { emitted++ })
	pipeline.HandleModify(path)

	assert.Equal(t, 0, emitted)
}

// TestPipeline_PreFilterSkipsLockedAndTmp covers the pre-filter rules.
func TestPipeline_PreFilterSkipsLockedAndTmp(t *testing.T) {
	ctrl := node.NewController(node.NewNodeState("finance1"))
	cfg := &config.DetectorConfig{VelocityWindow: 10}
	pipeline := NewPipeline(ctrl, cfg, func(e fileevent.FileEvent) {
		t.Fatalf("should not emit for ignored path")
	})

	pipeline.HandleModify("/data/foo.locked")
	pipeline.HandleModify("/data/foo.tmp.txt")
	pipeline.HandleDelete("/data/bar.locked")
}

func TestDurationFromSeconds(t *testing.T) {
	got := durationFromSeconds(1.0)
	assert.Equal(t, time.Second, got)
	got2 := durationFromSeconds(0.5)
	assert.True(t, math.Abs(got2.Seconds()-0.5) < 0.0001)
}
