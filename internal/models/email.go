package models

// EmailRecord is a verified address together with its public keys in the
// order they were added.
type EmailRecord struct {
	Address string   `json:"address"`
	Keys    []string `json:"keys"`
}

// HasKey reports whether key is one of the record's keys.
func (e EmailRecord) HasKey(key string) bool {
	for _, k := range e.Keys {
		if k == key {
			return true
		}
	}
	return false
}
