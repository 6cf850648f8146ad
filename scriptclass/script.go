// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package scriptclass classifies parsed scripts into the standard payment
// patterns a wallet watches for and extracts their canonical values.
package scriptclass

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Role says where a script appears in a transaction.
type Role uint8

const (
	// Output is a locking script found in a transaction output.
	Output Role = iota

	// Input is an unlocking script found in a transaction input.
	Input
)

// String returns the Role as a human-readable name.
func (r Role) String() string {
	if r == Input {
		return "input"
	}
	return "output"
}

// Element is a single opcode of a parsed script.  Data holds the pushed
// bytes for data push opcodes and is nil otherwise.
type Element struct {
	Opcode byte
	Data   []byte
}

// isPush returns whether the element only pushes data onto the stack.
func (e Element) isPush() bool {
	return e.Opcode <= txscript.OP_16 && e.Opcode != txscript.OP_RESERVED
}

// Parse splits a script into its elements.  Parsing fails only when a data
// push claims more bytes than the script holds.
func Parse(script []byte) ([]Element, error) {
	var elems []Element
	tokenizer := txscript.MakeScriptTokenizer(0, script)
	for tokenizer.Next() {
		elems = append(elems, Element{
			Opcode: tokenizer.Opcode(),
			Data:   tokenizer.Data(),
		})
	}
	if err := tokenizer.Err(); err != nil {
		return nil, fmt.Errorf("parse script: %w", err)
	}
	return elems, nil
}

// Script is a parsed script together with its role and classification.
type Script struct {
	role    Role
	elems   []Element
	pattern Pattern

	// redeem is the classified redeem script of a pay-to-script-hash
	// input.
	redeem *Script
}

// New parses and classifies raw script bytes.
func New(role Role, script []byte) (*Script, error) {
	elems, err := Parse(script)
	if err != nil {
		return nil, err
	}
	return FromElements(role, elems), nil
}

// FromElements classifies an already parsed script.
func FromElements(role Role, elems []Element) *Script {
	s := &Script{
		role:    role,
		elems:   elems,
		pattern: Classify(role, elems),
	}
	if role == Input && s.pattern.Class == ScriptHash {
		s.redeem, _ = redeemScript(elems)
	}
	return s
}

// Role returns the role the script was classified for.
func (s *Script) Role() Role {
	return s.role
}

// Type returns the script's pattern.
func (s *Script) Type() Pattern {
	return s.pattern
}

// Elements returns the parsed elements of the script.
func (s *Script) Elements() []Element {
	return s.elems
}

// PubkeyHash returns the 20 byte key hash of a pay-to-pubkey-hash script.
// For an input the hash is computed from the revealed public key.
func (s *Script) PubkeyHash() fn.Option[[]byte] {
	if s.pattern.Class != PubKeyHash {
		return fn.None[[]byte]()
	}
	if s.role == Input {
		return fn.Some(btcutil.Hash160(s.elems[1].Data))
	}
	return fn.Some(s.elems[2].Data)
}

// ScriptHash returns the 20 byte script hash of a pay-to-script-hash
// script.  For an input the hash is computed from the redeem script.
func (s *Script) ScriptHash() fn.Option[[]byte] {
	if s.pattern.Class != ScriptHash {
		return fn.None[[]byte]()
	}
	if s.role == Input {
		return fn.Some(btcutil.Hash160(s.elems[len(s.elems)-1].Data))
	}
	return fn.Some(s.elems[1].Data)
}

// Pubkey returns the public key of a pay-to-pubkey output, or the public key
// revealed by a pay-to-pubkey-hash input.
func (s *Script) Pubkey() fn.Option[[]byte] {
	switch {
	case s.pattern.Class == PubKey && s.role == Output:
		return fn.Some(s.elems[0].Data)

	case s.pattern.Class == PubKeyHash && s.role == Input:
		return fn.Some(s.elems[1].Data)
	}
	return fn.None[[]byte]()
}

// MultisigPubkey returns the i'th public key of a multisig output.
func (s *Script) MultisigPubkey(i int) fn.Option[[]byte] {
	if s.pattern.Class != Multisig || s.role != Output {
		return fn.None[[]byte]()
	}
	if i < 0 || i >= int(s.pattern.N) {
		return fn.None[[]byte]()
	}
	return fn.Some(s.elems[i+1].Data)
}

// NullDataPayload returns the concatenated pushes following OP_RETURN.
func (s *Script) NullDataPayload() fn.Option[[]byte] {
	if s.pattern.Class != NullData {
		return fn.None[[]byte]()
	}
	payload := []byte{}
	for _, e := range s.elems[1:] {
		payload = append(payload, e.Data...)
	}
	return fn.Some(payload)
}

// RedeemScript returns the classified redeem script revealed by a
// pay-to-script-hash input.
func (s *Script) RedeemScript() fn.Option[*Script] {
	if s.redeem == nil {
		return fn.None[*Script]()
	}
	return fn.Some(s.redeem)
}
