package oracle

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	"github.com/coldbell/pricecaster/relayer/internal/wire"
)

const (
	coreIxPostVAA          uint8 = 2
	coreIxVerifySignatures uint8 = 7

	// maxGuardians is the width of the signer index table in verify_signatures.
	maxGuardians = 19

	// MaxSignaturesPerChunk keeps a secp256k1 + verify_signatures transaction,
	// with a compute-unit price instruction, under MaxTransactionSize.
	MaxSignaturesPerChunk = 7

	secpOffsetsSize   = 11
	ethAddressSize    = 20
	secpSignatureSize = 65
)

var (
	Secp256k1ProgramID = solana.MustPublicKeyFromBase58("KeccakSecp256k11111111111111111111111111111")

	ErrUnknownGuardian = errors.New("signature from guardian outside the guardian set")
)

// GuardianSet is the core bridge account listing guardian ethereum addresses.
type GuardianSet struct {
	Index          uint32
	Keys           [][20]byte
	CreationTime   uint32
	ExpirationTime uint32
}

func DecodeGuardianSet(data []byte) (*GuardianSet, error) {
	dec := bin.NewBorshDecoder(data)
	var out GuardianSet
	var err error
	if out.Index, err = dec.ReadUint32(binary.LittleEndian); err != nil {
		return nil, fmt.Errorf("guardian set index: %w", err)
	}
	count, err := dec.ReadUint32(binary.LittleEndian)
	if err != nil {
		return nil, fmt.Errorf("guardian set key count: %w", err)
	}
	if count > maxGuardians {
		return nil, fmt.Errorf("guardian set has %d keys, at most %d supported", count, maxGuardians)
	}
	out.Keys = make([][20]byte, count)
	for i := range out.Keys {
		key, err := dec.ReadNBytes(ethAddressSize)
		if err != nil {
			return nil, fmt.Errorf("guardian key %d: %w", i, err)
		}
		copy(out.Keys[i][:], key)
	}
	if out.CreationTime, err = dec.ReadUint32(binary.LittleEndian); err != nil {
		return nil, fmt.Errorf("guardian set creation time: %w", err)
	}
	if out.ExpirationTime, err = dec.ReadUint32(binary.LittleEndian); err != nil {
		return nil, fmt.Errorf("guardian set expiration time: %w", err)
	}
	return &out, nil
}

// Verification verifies and posts one envelope. Each entry of Chunks is one
// secp256k1 + verify_signatures pair and must land, co-signed by SignatureSet,
// in its own transaction before PostVAA runs.
type Verification struct {
	Chunks       [][]solana.Instruction
	PostVAA      solana.Instruction
	SignatureSet solana.PrivateKey
	PostedVAA    solana.PublicKey
}

// BuildVerification splits the envelope signatures into chunks of at most
// chunkSize. secpIndex is the position the secp256k1 instruction will take in
// each chunk transaction.
func BuildVerification(coreProgramID, payer solana.PublicKey, guardians *GuardianSet, env *wire.Envelope, chunkSize int, secpIndex int) (*Verification, error) {
	if chunkSize <= 0 || chunkSize > MaxSignaturesPerChunk {
		return nil, fmt.Errorf("invalid signature chunk size %d (expected 1..%d)", chunkSize, MaxSignaturesPerChunk)
	}
	if len(env.Signatures) == 0 {
		return nil, fmt.Errorf("envelope has no signatures")
	}

	signatureSet, err := solana.NewRandomPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate signature set key: %w", err)
	}
	guardianSetKey, _, err := DeriveGuardianSetPDA(coreProgramID, env.GuardianSetIndex)
	if err != nil {
		return nil, fmt.Errorf("derive guardian set PDA: %w", err)
	}
	bridgeKey, _, err := DeriveBridgeConfigPDA(coreProgramID)
	if err != nil {
		return nil, fmt.Errorf("derive bridge PDA: %w", err)
	}
	bodyHash := env.BodyHash()
	postedVAA, _, err := DerivePostedVAAPDA(coreProgramID, bodyHash)
	if err != nil {
		return nil, fmt.Errorf("derive posted vaa PDA: %w", err)
	}

	out := &Verification{SignatureSet: signatureSet, PostedVAA: postedVAA}
	for start := 0; start < len(env.Signatures); start += chunkSize {
		chunk := env.Signatures[start:min(start+chunkSize, len(env.Signatures))]
		secp, err := newSecp256k1Instruction(guardians, chunk, bodyHash, secpIndex)
		if err != nil {
			return nil, err
		}
		out.Chunks = append(out.Chunks, []solana.Instruction{
			secp,
			newVerifySignaturesInstruction(coreProgramID, payer, guardianSetKey, signatureSet.PublicKey(), chunk),
		})
	}
	out.PostVAA = newPostVAAInstruction(coreProgramID, payer, guardianSetKey, bridgeKey, signatureSet.PublicKey(), postedVAA, env)
	return out, nil
}

func newSecp256k1Instruction(guardians *GuardianSet, sigs []wire.Signature, message [32]byte, ixIndex int) (solana.Instruction, error) {
	count := len(sigs)
	dataStart := 1 + count*secpOffsetsSize
	entrySize := ethAddressSize + secpSignatureSize
	messageOffset := dataStart + count*entrySize

	var buf bytes.Buffer
	enc := bin.NewBinEncoder(&buf)
	_ = enc.WriteUint8(uint8(count))
	for i := range sigs {
		entry := dataStart + i*entrySize
		_ = enc.WriteUint16(uint16(entry+ethAddressSize), binary.LittleEndian) // signature offset
		_ = enc.WriteUint8(uint8(ixIndex))
		_ = enc.WriteUint16(uint16(entry), binary.LittleEndian) // eth address offset
		_ = enc.WriteUint8(uint8(ixIndex))
		_ = enc.WriteUint16(uint16(messageOffset), binary.LittleEndian)
		_ = enc.WriteUint16(uint16(len(message)), binary.LittleEndian)
		_ = enc.WriteUint8(uint8(ixIndex))
	}
	for _, sig := range sigs {
		if int(sig.GuardianIndex) >= len(guardians.Keys) {
			return nil, fmt.Errorf("%w: index %d, set size %d", ErrUnknownGuardian, sig.GuardianIndex, len(guardians.Keys))
		}
		key := guardians.Keys[sig.GuardianIndex]
		_ = enc.WriteBytes(key[:], false)
		_ = enc.WriteBytes(sig.Signature[:], false)
	}
	_ = enc.WriteBytes(message[:], false)

	return solana.NewInstruction(Secp256k1ProgramID, solana.AccountMetaSlice{}, buf.Bytes()), nil
}

func newVerifySignaturesInstruction(coreProgramID, payer, guardianSet, signatureSet solana.PublicKey, sigs []wire.Signature) solana.Instruction {
	var signers [maxGuardians]int8
	for i := range signers {
		signers[i] = -1
	}
	for pos, sig := range sigs {
		if int(sig.GuardianIndex) < maxGuardians {
			signers[sig.GuardianIndex] = int8(pos)
		}
	}

	data := make([]byte, 0, 1+maxGuardians)
	data = append(data, coreIxVerifySignatures)
	for _, s := range signers {
		data = append(data, byte(s))
	}

	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(payer, true, true),
		solana.NewAccountMeta(guardianSet, false, false),
		solana.NewAccountMeta(signatureSet, true, true),
		solana.NewAccountMeta(solana.SysVarInstructionsPubkey, false, false),
		solana.NewAccountMeta(solana.SysVarRentPubkey, false, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}
	return solana.NewInstruction(coreProgramID, accounts, data)
}

func newPostVAAInstruction(coreProgramID, payer, guardianSet, bridge, signatureSet, postedVAA solana.PublicKey, env *wire.Envelope) solana.Instruction {
	var buf bytes.Buffer
	_ = buf.WriteByte(coreIxPostVAA)
	enc := bin.NewBorshEncoder(&buf)
	_ = enc.WriteUint8(env.Version)
	_ = enc.WriteUint32(env.GuardianSetIndex, binary.LittleEndian)
	_ = enc.WriteUint32(env.Timestamp, binary.LittleEndian)
	_ = enc.WriteUint32(env.Nonce, binary.LittleEndian)
	_ = enc.WriteUint16(env.EmitterChain, binary.LittleEndian)
	_ = enc.WriteBytes(env.EmitterAddress[:], false)
	_ = enc.WriteUint64(env.Sequence, binary.LittleEndian)
	_ = enc.WriteUint8(env.ConsistencyLevel)
	_ = enc.WriteBytes(env.Payload, true)

	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(guardianSet, false, false),
		solana.NewAccountMeta(bridge, false, false),
		solana.NewAccountMeta(signatureSet, false, false),
		solana.NewAccountMeta(postedVAA, true, false),
		solana.NewAccountMeta(payer, true, true),
		solana.NewAccountMeta(solana.SysVarClockPubkey, false, false),
		solana.NewAccountMeta(solana.SysVarRentPubkey, false, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}
	return solana.NewInstruction(coreProgramID, accounts, buf.Bytes())
}
