package dedup

import (
	"fmt"
	"sync"
)

// Progress is a mutable handle a caller can poll while a scan runs
type Progress struct {
	mu         sync.Mutex
	isScanning bool
	current    int
	total      int
	message    string
}

// ProgressSnapshot is a point-in-time copy of a Progress handle
type ProgressSnapshot struct {
	IsScanning bool   `json:"is_scanning"`
	Current    int    `json:"current"`
	Total      int    `json:"total"`
	Percent    int    `json:"percent"`
	Message    string `json:"message"`
}

func (p *Progress) start(total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.isScanning = true
	p.current = 0
	p.total = total
	p.message = "Starting scan..."
}

func (p *Progress) step(current int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = current
	p.message = fmt.Sprintf("Scanning %d of %d images...", current, p.total)
}

func (p *Progress) finish(message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.isScanning = false
	p.message = message
}

// Snapshot returns a consistent copy for the transport layer
func (p *Progress) Snapshot() ProgressSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	percent := 0
	if p.total > 0 {
		percent = p.current * 100 / p.total
	}
	return ProgressSnapshot{
		IsScanning: p.isScanning,
		Current:    p.current,
		Total:      p.total,
		Percent:    percent,
		Message:    p.message,
	}
}
