package main

import "sync"

// guestMemory is a flat word-addressed memory space for the reference ISA,
// grounded on the fakeMemory/flatMemory helpers every package's own tests
// use — promoted to a real (if minimal) collaborator here since the CLI
// has no test harness to borrow one from.
type guestMemory struct {
	mu    sync.Mutex
	words map[uint64]uint64
}

func newGuestMemory() *guestMemory {
	return &guestMemory{words: make(map[uint64]uint64)}
}

func (m *guestMemory) ReadWord(addr uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.words[addr], nil
}

func (m *guestMemory) WriteWord(addr uint64, value uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.words[addr] = value
	return nil
}
