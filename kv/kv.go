// Package kv is the demo state machine replicated by the cluster: a
// deterministic key-value store fed by committed SET/DEL commands.
package kv

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/thoas/go-funk"
)

const (
	OpSet = "SET"
	OpDel = "DEL"
)

// Command is a deterministic key-value state-machine operation. Value is
// kept as raw JSON so replicas apply byte-identical state.
type Command struct {
	Op    string          `json:"op"`
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
}

// EncodeSet builds the wire form of a SET command.
func EncodeSet(key string, value any) ([]byte, error) {
	if key == "" {
		return nil, errors.New("kv: key is required")
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("kv: encode value: %w", err)
	}
	return json.Marshal(Command{Op: OpSet, Key: key, Value: raw})
}

// EncodeDel builds the wire form of a DEL command.
func EncodeDel(key string) ([]byte, error) {
	if key == "" {
		return nil, errors.New("kv: key is required")
	}
	return json.Marshal(Command{Op: OpDel, Key: key})
}

// DecodeCommand parses and validates a wire-form command.
func DecodeCommand(data []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Command{}, fmt.Errorf("kv: decode command: %w", err)
	}
	if cmd.Key == "" {
		return Command{}, errors.New("kv: command key is required")
	}
	switch cmd.Op {
	case OpSet, OpDel:
		return cmd, nil
	default:
		return Command{}, fmt.Errorf("kv: unsupported op %q", cmd.Op)
	}
}

// Store is the deterministic KV state machine.
type Store struct {
	mu   sync.RWMutex
	data map[string]json.RawMessage
}

func NewStore() *Store {
	return &Store{data: make(map[string]json.RawMessage)}
}

func (s *Store) Apply(cmd Command) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch cmd.Op {
	case OpSet:
		s.data[cmd.Key] = append(json.RawMessage(nil), cmd.Value...)
	case OpDel:
		delete(s.data, cmd.Key)
	}
}

// ApplyRaw decodes a committed wire-form command and applies it.
func (s *Store) ApplyRaw(data []byte) error {
	cmd, err := DecodeCommand(data)
	if err != nil {
		return err
	}
	s.Apply(cmd)
	return nil
}

func (s *Store) Get(key string) (json.RawMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

// Keys returns all present keys in sorted order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := funk.Keys(s.data).([]string)
	sort.Strings(keys)
	return keys
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
