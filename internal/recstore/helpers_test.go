package recstore

import (
	"testing"

	"github.com/bigbag/flashlog/internal/spiflash"
	"github.com/bigbag/flashlog/internal/spiflash/sim"
)

type rig struct {
	dev   *sim.Chip
	chip  *spiflash.Chip
	store *Store
}

func newRig(t *testing.T, size int, opts ...Option) *rig {
	t.Helper()
	dev := sim.New(size)
	return attach(t, dev, opts...)
}

// attach builds a fresh chip and store over an existing device, as a reboot
// would.
func attach(t *testing.T, dev *sim.Chip, opts ...Option) *rig {
	t.Helper()
	chip := spiflash.New(dev, spiflash.WithClock(sim.NewClock()))
	s, err := New(chip, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := s.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	return &rig{dev: dev, chip: chip, store: s}
}

func (r *rig) mustStore(t *testing.T, data []byte) uint32 {
	t.Helper()
	id, err := r.store.StoreData(data)
	if err != nil {
		t.Fatalf("StoreData(%d bytes) error = %v", len(data), err)
	}
	return id
}

func payload(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i*7)
	}
	return b
}

func smallLayout() Layout {
	return Layout{TotalSize: 64 * 1024, IndexAreaSize: 8 * 1024}
}
