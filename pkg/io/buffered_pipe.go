/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package io

import (
	"bytes"
	"io"
	"sync"
)

// BufferedPipe is like io.Pipe(), except it includes an automatically-expanding buffer,
// so writers are never blocked. It is goroutine-safe.
// Transport sessions use it to expose socket and status output as plain readers.
type BufferedPipe struct {
	lock *sync.Mutex
	cond *sync.Cond
	data *bytes.Buffer
	rerr error // Set when the reading half is closed
	werr error // Set when the writing half is closed
}

func NewBufferedPipe() *BufferedPipe {
	lock := &sync.Mutex{}
	return &BufferedPipe{
		lock: lock,
		cond: sync.NewCond(lock),
		data: new(bytes.Buffer),
	}
}

// Read blocks until data is available or the writing half is closed.
// Buffered data is still returned after the writing half is closed; io.EOF follows.
func (p *BufferedPipe) Read(b []byte) (int, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	for {
		if p.rerr != nil {
			return 0, p.rerr
		}
		if p.data.Len() > 0 {
			return p.data.Read(b)
		}
		if p.werr != nil {
			return 0, io.EOF
		}
		p.cond.Wait()
	}
}

func (p *BufferedPipe) Write(b []byte) (int, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.werr != nil {
		return 0, p.werr
	}
	if p.rerr != nil {
		return 0, io.ErrClosedPipe
	}

	n, err := p.data.Write(b)
	p.cond.Broadcast()
	return n, err
}

// CloseWrite closes the writing half: subsequent writes fail, readers get io.EOF once the buffer is drained.
func (p *BufferedPipe) CloseWrite() error {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.werr == nil {
		p.werr = io.ErrClosedPipe
	}
	p.cond.Broadcast()
	return nil
}

// Close closes both halves; buffered data is discarded and readers get io.ErrClosedPipe.
func (p *BufferedPipe) Close() error {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.rerr == nil {
		p.rerr = io.ErrClosedPipe
	}
	if p.werr == nil {
		p.werr = io.ErrClosedPipe
	}
	p.data.Reset()
	p.cond.Broadcast()
	return nil
}

// Len returns the number of buffered bytes that have not been read yet.
func (p *BufferedPipe) Len() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.data.Len()
}

var _ io.ReadWriteCloser = (*BufferedPipe)(nil)
