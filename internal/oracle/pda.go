package oracle

import (
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

func DerivePriceStorePDA(oracleProgramID solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte("price-store")}, oracleProgramID)
}

func DeriveBridgeConfigPDA(coreProgramID solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte("Bridge")}, coreProgramID)
}

func DeriveGuardianSetPDA(coreProgramID solana.PublicKey, index uint32) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte("GuardianSet"), u32BE(index)}, coreProgramID)
}

// DerivePostedVAAPDA derives the account the core bridge writes a verified message to.
func DerivePostedVAAPDA(coreProgramID solana.PublicKey, bodyHash [32]byte) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte("PostedVAA"), bodyHash[:]}, coreProgramID)
}

func MustDerivePostedVAAPDA(coreProgramID solana.PublicKey, bodyHash [32]byte) solana.PublicKey {
	pk, _, err := DerivePostedVAAPDA(coreProgramID, bodyHash)
	if err != nil {
		panic(fmt.Errorf("derive posted vaa PDA: %w", err))
	}
	return pk
}

func u32BE(value uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, value)
	return buf
}
