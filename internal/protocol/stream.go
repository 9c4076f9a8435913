// Copyright 2024 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package protocol

import (
	"encoding/json"
	"io"
	"sync"

	"go.chromium.org/hostrun/errors"
)

// MessageWriter writes messages to a stream. It is safe for concurrent use.
type MessageWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewMessageWriter returns a MessageWriter writing to w.
func NewMessageWriter(w io.Writer) *MessageWriter {
	return &MessageWriter{enc: json.NewEncoder(w)}
}

// WriteMessage writes msg as a single line.
func (mw *MessageWriter) WriteMessage(msg Msg) error {
	var mu messageUnion
	switch v := msg.(type) {
	case *HostReady:
		mu.HostReady = v
	case *DiscoverRequest:
		mu.DiscoverRequest = v
	case *TestFound:
		mu.TestFound = v
	case *DiscoveryEnd:
		mu.DiscoveryEnd = v
	case *RunRequest:
		mu.RunRequest = v
	case *CancelRequest:
		mu.CancelRequest = v
	case *ExitRequest:
		mu.ExitRequest = v
	case *RunStart:
		mu.RunStart = v
	case *RunLog:
		mu.RunLog = v
	case *RunError:
		mu.RunError = v
	case *RunEnd:
		mu.RunEnd = v
	case *TestStart:
		mu.TestStart = v
	case *TestLog:
		mu.TestLog = v
	case *TestError:
		mu.TestError = v
	case *TestEnd:
		mu.TestEnd = v
	case *Heartbeat:
		mu.Heartbeat = v
	default:
		return errors.Errorf("unable to encode message of type %T", msg)
	}

	mw.mu.Lock()
	defer mw.mu.Unlock()
	return mw.enc.Encode(&mu)
}

// MessageReader reads messages from a stream.
type MessageReader struct {
	dec *json.Decoder
}

// NewMessageReader returns a MessageReader reading from r.
func NewMessageReader(r io.Reader) *MessageReader {
	return &MessageReader{dec: json.NewDecoder(r)}
}

// ReadMessage returns the next message. io.EOF is returned unwrapped at a
// clean end of stream.
func (mr *MessageReader) ReadMessage() (Msg, error) {
	var mu messageUnion
	if err := mr.dec.Decode(&mu); err != nil {
		if err == io.EOF {
			return nil, err
		}
		return nil, errors.Wrap(err, "unable to decode message")
	}
	switch {
	case mu.HostReady != nil:
		return mu.HostReady, nil
	case mu.DiscoverRequest != nil:
		return mu.DiscoverRequest, nil
	case mu.TestFound != nil:
		return mu.TestFound, nil
	case mu.DiscoveryEnd != nil:
		return mu.DiscoveryEnd, nil
	case mu.RunRequest != nil:
		return mu.RunRequest, nil
	case mu.CancelRequest != nil:
		return mu.CancelRequest, nil
	case mu.ExitRequest != nil:
		return mu.ExitRequest, nil
	case mu.RunStart != nil:
		return mu.RunStart, nil
	case mu.RunLog != nil:
		return mu.RunLog, nil
	case mu.RunError != nil:
		return mu.RunError, nil
	case mu.RunEnd != nil:
		return mu.RunEnd, nil
	case mu.TestStart != nil:
		return mu.TestStart, nil
	case mu.TestLog != nil:
		return mu.TestLog, nil
	case mu.TestError != nil:
		return mu.TestError, nil
	case mu.TestEnd != nil:
		return mu.TestEnd, nil
	case mu.Heartbeat != nil:
		return mu.Heartbeat, nil
	default:
		return nil, errors.New("message has no known fields")
	}
}
