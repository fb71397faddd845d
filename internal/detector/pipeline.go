package detector

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ocx/fabric/internal/config"
	"github.com/ocx/fabric/internal/node"
	"github.com/ocx/fabric/pkg/fileevent"
)

// magicHeaders is the known-header table from spec §6, keyed by lowercase
// extension including the leading dot.
var magicHeaders = map[string][]byte{
	".pdf": []byte("%PDF"),
	".png": {0x89, 'P', 'N', 'G'},
	".zip": {'P', 'K', 0x03, 0x04},
	".jpg": {0xFF, 0xD8, 0xFF},
	".rar": {'R', 'a', 'r', '!', 0x1A, 0x07},
	".gz":  {0x1F, 0x8B},
}

// highEntropyExtensions are already-compressed/binary formats excluded from
// entropy sampling: their natural entropy sits near the ransomware range
// and would drown out the signal.
var highEntropyExtensions = map[string]bool{
	".jpeg": true, ".gif": true, ".bmp": true, ".mp4": true,
	".mp3": true, ".avi": true, ".mov": true, ".7z": true, ".tar": true,
}

// Emitter is how the Pipeline hands a classified FileEvent off to its
// caller (normally publishing it on the `file_events` bus queue).
type Emitter func(fileevent.FileEvent)

// Pipeline runs the ordered heuristic stages of spec §4.1 over raw
// filesystem notifications and emits FileEvents. It holds the only
// reference detector needs into the node Controller, for the
// immediately-local lockdown that confirmed detections trigger.
type Pipeline struct {
	ctrl *node.Controller
	cfg  *config.DetectorConfig
	log  *slog.Logger

	baitSet map[string]bool
	emit    Emitter
}

// NewPipeline builds a Pipeline over ctrl's node state using cfg's
// thresholds and bait filenames.
func NewPipeline(ctrl *node.Controller, cfg *config.DetectorConfig, emit Emitter) *Pipeline {
	baits := make(map[string]bool, len(cfg.BaitFiles))
	for _, b := range cfg.BaitFiles {
		baits[b] = true
	}
	return &Pipeline{
		ctrl:    ctrl,
		cfg:     cfg,
		log:     slog.With("component", "detector"),
		baitSet: baits,
		emit:    emit,
	}
}

// shouldIgnore implements the pre-filter: `.locked` suffix, `.tmp`
// substring, and lockdown suppression (P6: these rules must fire before
// any disk read; none of them touch the filesystem).
func (p *Pipeline) shouldIgnore(path string, isDir bool) bool {
	if isDir {
		return true
	}
	if p.ctrl.State().Lockdown() {
		return true
	}
	if strings.HasSuffix(path, ".locked") || strings.Contains(path, ".tmp") {
		return true
	}
	return false
}

// HandleModify runs the full MODIFY pipeline: canary, velocity, size-delta,
// header, entropy — first match wins.
func (p *Pipeline) HandleModify(path string) {
	if p.shouldIgnore(path, false) {
		return
	}
	base := filepath.Base(path)

	if p.baitSet[base] {
		p.log.Warn("confirmed attack: bait file modified", "path", path)
		p.ctrl.SetLockdown(true)
		p.emit(p.event(path, fileevent.KindBaitTriggered, 8.0))
		return
	}

	if p.ctrl.RecordModify(time.Now(), p.cfg.VelocityWindow, durationFromSeconds(p.cfg.VelocityWindowSec)) {
		p.log.Warn("possible attack: modification velocity exceeded", "path", path)
		p.ctrl.SetLockdown(true)
		p.emit(p.event(path, fileevent.KindVelocityAttack, 8.0))
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		// File may be mid-write or already gone; drop silently per §7.
		return
	}
	currentSize := info.Size()
	if cached, ok := p.ctrl.State().CachedMeta(path); ok && cached.Size > 0 {
		ratio := absRatio(currentSize, cached.Size)
		if ratio >= p.cfg.SizeDeltaThreshold {
			p.log.Warn("size anomaly detected", "path", path, "ratio", ratio)
			p.ctrl.UpdateMeta(path, fileevent.FileMeta{Size: currentSize, LastMTime: info.ModTime()})
			p.emit(p.event(path, fileevent.KindSizeAnomaly, 0))
			return
		}
	}
	p.ctrl.UpdateMeta(path, fileevent.FileMeta{Size: currentSize, LastMTime: info.ModTime()})

	ext := strings.ToLower(filepath.Ext(path))
	if expected, ok := magicHeaders[ext]; ok {
		if headerModified(path, expected) {
			p.log.Warn("confirmed attack: file header modified", "path", path, "ext", ext)
			p.ctrl.SetLockdown(true)
			p.emit(p.event(path, fileevent.KindHeaderViolation, 8.0))
		}
		return
	}

	if highEntropyExtensions[ext] {
		return
	}

	data, err := ReadSampledData(path, p.cfg.SampleBlockSize, p.cfg.SampleBlockCount)
	if err != nil || len(data) == 0 {
		return
	}
	entropy := ShannonEntropy(data)
	if entropy > 0 {
		p.emit(p.event(path, fileevent.KindModify, entropy))
	}
}

// HandleCreate waits the configured settle delay then runs size/header/
// entropy (steps 3-5; no velocity or canary collision is possible for a
// file that did not previously exist). Files with an entropy-excluded
// extension are skipped before any of these steps.
func (p *Pipeline) HandleCreate(path string) {
	if p.shouldIgnore(path, false) {
		return
	}
	ext := strings.ToLower(filepath.Ext(path))
	if highEntropyExtensions[ext] {
		return
	}

	time.Sleep(time.Duration(p.cfg.CreateSettleMs) * time.Millisecond)

	info, err := os.Stat(path)
	if err != nil {
		return
	}
	meta := fileevent.FileMeta{Size: info.Size(), LastMTime: info.ModTime()}
	cached, seen := p.ctrl.State().CachedMeta(path)
	p.ctrl.UpdateMeta(path, meta)
	if seen && cached.Size > 0 && absRatio(meta.Size, cached.Size) >= p.cfg.SizeDeltaThreshold {
		p.emit(p.event(path, fileevent.KindSizeAnomaly, 0))
		return
	}

	if expected, ok := magicHeaders[ext]; ok {
		if headerModified(path, expected) {
			p.ctrl.SetLockdown(true)
			p.emit(p.event(path, fileevent.KindHeaderViolation, 8.0))
			return
		}
	}

	data, err := ReadSampledData(path, p.cfg.SampleBlockSize, p.cfg.SampleBlockCount)
	if err != nil || len(data) == 0 {
		return
	}
	entropy := ShannonEntropy(data)
	if entropy > 0 {
		p.emit(p.event(path, fileevent.KindCreate, entropy))
	}
}

// HandleDelete emits DELETE unconditionally (subject to the pre-filter).
func (p *Pipeline) HandleDelete(path string) {
	if p.shouldIgnore(path, false) {
		return
	}
	p.emit(p.event(path, fileevent.KindDelete, 0))
}

func (p *Pipeline) event(path string, kind fileevent.Kind, entropy float64) fileevent.FileEvent {
	return fileevent.FileEvent{
		NodeID:  p.ctrl.State().ClientID(),
		Path:    path,
		Kind:    kind,
		Entropy: entropy,
		WallTS:  time.Now(),
	}
}

func headerModified(path string, expected []byte) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	header := make([]byte, len(expected))
	n, err := f.Read(header)
	if err != nil || n < len(expected) {
		return false
	}
	for i := range expected {
		if header[i] != expected[i] {
			return true
		}
	}
	return false
}

func absRatio(current, old int64) float64 {
	delta := current - old
	if delta < 0 {
		delta = -delta
	}
	return float64(delta) / float64(old)
}

func durationFromSeconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
