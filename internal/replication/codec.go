package replication

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang/snappy"

	"github.com/arohanajit/clustermap/internal/storage"
)

// MessageKind is the first byte of every frame. SUB sockets subscribe to it
// as their topic.
type MessageKind byte

const (
	KindMutation MessageKind = 'M'
)

var ErrShortFrame = errors.New("replication frame too short")

// Mutation is one committed entry travelling from its origin to replicas
type Mutation struct {
	Cluster string        `json:"cluster"`
	Map     string        `json:"map"`
	Entry   storage.Entry `json:"entry"`
}

// Encode frames v as kind followed by snappy-compressed JSON
func Encode(kind MessageKind, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %c message: %w", kind, err)
	}

	frame := make([]byte, 1, 1+snappy.MaxEncodedLen(len(data)))
	frame[0] = byte(kind)
	return append(frame, snappy.Encode(nil, data)...), nil
}

// Decode splits a frame and decodes its payload into v
func Decode(frame []byte, v any) (MessageKind, error) {
	if len(frame) < 2 {
		return 0, ErrShortFrame
	}
	kind := MessageKind(frame[0])

	data, err := snappy.Decode(nil, frame[1:])
	if err != nil {
		return kind, fmt.Errorf("failed to decompress %c message: %w", kind, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return kind, fmt.Errorf("failed to unmarshal %c message: %w", kind, err)
	}
	return kind, nil
}
