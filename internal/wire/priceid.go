package wire

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// PriceID is the canonical 32-byte price feed identifier.
type PriceID [32]byte

func (id PriceID) Hex() string {
	return hex.EncodeToString(id[:])
}

func (id PriceID) String() string {
	return id.Hex()
}

func (id PriceID) IsZero() bool {
	return id == PriceID{}
}

func ParsePriceID(raw string) (PriceID, error) {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	trimmed = strings.TrimPrefix(trimmed, "0x")
	if len(trimmed) != 64 {
		return PriceID{}, fmt.Errorf("invalid price id %q: expected 64 hex characters", raw)
	}

	var out PriceID
	if _, err := hex.Decode(out[:], []byte(trimmed)); err != nil {
		return PriceID{}, fmt.Errorf("invalid price id %q: %w", raw, err)
	}
	return out, nil
}

func MustParsePriceID(raw string) PriceID {
	id, err := ParsePriceID(raw)
	if err != nil {
		panic(err)
	}
	return id
}

func PriceIDHexes(ids []PriceID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.Hex())
	}
	return out
}
