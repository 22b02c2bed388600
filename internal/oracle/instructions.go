package oracle

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	"github.com/coldbell/pricecaster/relayer/internal/wire"
)

var (
	allocDisc = anchorInstructionDiscriminator("alloc")
	resetDisc = anchorInstructionDiscriminator("reset")
	storeDisc = anchorInstructionDiscriminator("store")
)

// NewAllocInstruction reserves the next free slot for assetRef/priceID. The program
// returns the slot index as a big-endian u64.
func NewAllocInstruction(programID, priceStore, authority solana.PublicKey, assetRef uint64, priceID wire.PriceID) solana.Instruction {
	var buf bytes.Buffer
	buf.Write(allocDisc[:])
	enc := bin.NewBorshEncoder(&buf)
	_ = enc.WriteUint64(assetRef, binary.LittleEndian)
	_ = enc.WriteBytes(priceID[:], false)

	return solana.NewInstruction(programID, authorityAccounts(priceStore, authority), buf.Bytes())
}

// NewResetInstruction zeroes every slot and the entry count.
func NewResetInstruction(programID, priceStore, authority solana.PublicKey) solana.Instruction {
	data := make([]byte, len(resetDisc))
	copy(data, resetDisc[:])
	return solana.NewInstruction(programID, authorityAccounts(priceStore, authority), data)
}

// NewStoreInstruction writes attestations into the slots listed in assetSlots.
// With a postedVAA the program reads the verified payload from that account and
// payload should be empty; in test mode postedVAA is nil and payload carries it.
func NewStoreInstruction(programID, priceStore, authority solana.PublicKey, postedVAA *solana.PublicKey, assetSlots, payload []byte) solana.Instruction {
	var buf bytes.Buffer
	buf.Write(storeDisc[:])
	enc := bin.NewBorshEncoder(&buf)
	_ = enc.WriteBytes(assetSlots, true)
	_ = enc.WriteBytes(payload, true)

	// Optional accounts are passed as the program id.
	posted := programID
	if postedVAA != nil {
		posted = *postedVAA
	}
	accounts := append(authorityAccounts(priceStore, authority),
		solana.NewAccountMeta(posted, false, false),
	)
	return solana.NewInstruction(programID, accounts, buf.Bytes())
}

func authorityAccounts(priceStore, authority solana.PublicKey) solana.AccountMetaSlice {
	return solana.AccountMetaSlice{
		solana.NewAccountMeta(authority, true, true),
		solana.NewAccountMeta(priceStore, true, false),
	}
}

func anchorInstructionDiscriminator(ixName string) [8]byte {
	hash := sha256.Sum256([]byte("global:" + ixName))
	var out [8]byte
	copy(out[:], hash[:8])
	return out
}
