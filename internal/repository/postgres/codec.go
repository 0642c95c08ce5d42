package postgres

import (
	"encoding/json"
	"fmt"

	"github.com/NordCoder/Herald/internal/domain/channel"
)

func encodeJSON(v any) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json: %w", err)
	}
	return b, nil
}

func decodeJSON(b []byte, v any) error {
	if len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return nil
}

func typesToStrings(ts []channel.Type) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = string(t)
	}
	return out
}

func stringsToTypes(ss []string) []channel.Type {
	if len(ss) == 0 {
		return nil
	}
	out := make([]channel.Type, len(ss))
	for i, s := range ss {
		out[i] = channel.Type(s)
	}
	return out
}
