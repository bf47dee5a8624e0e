package main

import (
	"io"
	"sync"
)

// player writes "play" chunks to its sink in arrival order.
type player struct {
	mu    sync.Mutex
	w     io.Writer
	bytes int64
}

func newPlayer(w io.Writer) *player {
	return &player{w: w}
}

func (p *player) write(chunk []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, err := p.w.Write(chunk)
	p.bytes += int64(n)
	return err
}

func (p *player) total() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bytes
}
