package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ClientKey is one (address, key) pair a client believes is current.
type ClientKey struct {
	Address string
	Pubkey  string
}

// ClientState is the client's email to key map. It is a slice rather than a
// map because the order of addresses is part of the sync result.
type ClientState []ClientKey

// Lookup returns the key the client holds for address.
func (c ClientState) Lookup(address string) (string, bool) {
	for _, ck := range c {
		if ck.Address == address {
			return ck.Pubkey, true
		}
	}
	return "", false
}

// UnmarshalJSON decodes a JSON object of address to key, keeping the order in
// which the addresses appear. A repeated address keeps its first position and
// its last value.
func (c *ClientState) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("client state: expected object, got %v", tok)
	}

	state := ClientState{}
	index := map[string]int{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		address, ok := tok.(string)
		if !ok {
			return fmt.Errorf("client state: unexpected key %v", tok)
		}
		var key string
		if err := dec.Decode(&key); err != nil {
			return fmt.Errorf("client state: key for %s: %w", address, err)
		}
		if i, seen := index[address]; seen {
			state[i].Pubkey = key
			continue
		}
		index[address] = len(state)
		state = append(state, ClientKey{Address: address, Pubkey: key})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}

	*c = state
	return nil
}

// MarshalJSON encodes the state as a JSON object in slice order.
func (c ClientState) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, ck := range c {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(ck.Address)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(ck.Pubkey)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// SyncResponse is the result of reconciling a client's keys with an account.
type SyncResponse struct {
	UnknownEmails []string `json:"unknown_emails"`
	KeyRefresh    []string `json:"key_refresh"`
}
