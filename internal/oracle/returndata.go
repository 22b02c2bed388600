package oracle

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
)

const returnLogPrefix = "Program return: "

var ErrNoReturnData = errors.New("no program return data in transaction logs")

// ParseReturnData finds the last return-data log line emitted by programID.
func ParseReturnData(logs []string, programID solana.PublicKey) ([]byte, error) {
	for i := len(logs) - 1; i >= 0; i-- {
		rest, ok := strings.CutPrefix(logs[i], returnLogPrefix)
		if !ok {
			continue
		}
		program, encoded, ok := strings.Cut(rest, " ")
		if !ok || program != programID.String() {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
		if err != nil {
			return nil, fmt.Errorf("decode return data: %w", err)
		}
		return data, nil
	}
	return nil, ErrNoReturnData
}

// DecodeAllocResult reads the slot index returned by alloc (u64 big-endian at offset 0).
func DecodeAllocResult(data []byte) (uint8, error) {
	if len(data) < 8 {
		return 0, fmt.Errorf("alloc return data has %d bytes, need 8", len(data))
	}
	slot := binary.BigEndian.Uint64(data[:8])
	if slot >= MaxCapacity {
		return 0, fmt.Errorf("alloc returned slot %d outside the u8 range", slot)
	}
	return uint8(slot), nil
}
