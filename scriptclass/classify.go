// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package scriptclass

import (
	"fmt"

	"github.com/btcsuite/btcd/txscript"
)

// Class is the kind of payment a script expresses.
type Class uint8

const (
	Unknown Class = iota
	PubKey
	PubKeyHash
	ScriptHash
	Multisig
	NullData
)

var classStrs = [...]string{
	Unknown:    "unknown",
	PubKey:     "pubkey",
	PubKeyHash: "pubkeyhash",
	ScriptHash: "scripthash",
	Multisig:   "multisig",
	NullData:   "nulldata",
}

// String returns the Class as a human-readable name.
func (c Class) String() string {
	if int(c) < len(classStrs) {
		return classStrs[c]
	}
	return fmt.Sprintf("Class(%d)", c)
}

// Pattern is the classification of a script.  M and N are only set for
// Multisig.
type Pattern struct {
	Class Class
	M, N  uint8
}

// String returns the class name with its multisig shape, if any.
func (p Pattern) String() string {
	if p.Class == Multisig {
		return fmt.Sprintf("multisig(%d,%d)", p.M, p.N)
	}
	return p.Class.String()
}

const (
	hash160Size            = 20
	compressedPubKeySize   = 33
	uncompressedPubKeySize = 65

	// Signature pushes are DER encoded with a trailing sighash byte.
	minSigSize = 9
	maxSigSize = 73

	maxMultisigKeys = 16
)

// Classify returns the pattern of a parsed script.  It never fails; scripts
// matching no known pattern are Unknown.  Patterns are tried from the most
// to the least specific.
func Classify(role Role, elems []Element) Pattern {
	if role == Input {
		return classifyInput(elems)
	}

	switch {
	case isPubKeyHash(elems):
		return Pattern{Class: PubKeyHash}
	case isScriptHash(elems):
		return Pattern{Class: ScriptHash}
	case isPubKey(elems):
		return Pattern{Class: PubKey}
	}
	if m, n, ok := multisigShape(elems); ok {
		return Pattern{Class: Multisig, M: m, N: n}
	}
	if isNullData(elems) {
		return Pattern{Class: NullData}
	}
	return Pattern{Class: Unknown}
}

func isPubKeyData(data []byte) bool {
	return len(data) == compressedPubKeySize ||
		len(data) == uncompressedPubKeySize
}

func isSigData(data []byte) bool {
	return len(data) >= minSigSize && len(data) <= maxSigSize
}

// isPubKeyHash: OP_DUP OP_HASH160 <20 bytes> OP_EQUALVERIFY OP_CHECKSIG
func isPubKeyHash(elems []Element) bool {
	return len(elems) == 5 &&
		elems[0].Opcode == txscript.OP_DUP &&
		elems[1].Opcode == txscript.OP_HASH160 &&
		elems[2].Opcode == txscript.OP_DATA_20 &&
		elems[3].Opcode == txscript.OP_EQUALVERIFY &&
		elems[4].Opcode == txscript.OP_CHECKSIG
}

// isScriptHash: OP_HASH160 <20 bytes> OP_EQUAL
func isScriptHash(elems []Element) bool {
	return len(elems) == 3 &&
		elems[0].Opcode == txscript.OP_HASH160 &&
		elems[1].Opcode == txscript.OP_DATA_20 &&
		elems[2].Opcode == txscript.OP_EQUAL
}

// isPubKey: <33 or 65 bytes> OP_CHECKSIG
func isPubKey(elems []Element) bool {
	return len(elems) == 2 &&
		elems[0].isPush() && isPubKeyData(elems[0].Data) &&
		elems[1].Opcode == txscript.OP_CHECKSIG
}

func smallInt(op byte) (uint8, bool) {
	if op >= txscript.OP_1 && op <= txscript.OP_16 {
		return op - (txscript.OP_1 - 1), true
	}
	return 0, false
}

// multisigShape: OP_M <pubkey>... OP_N OP_CHECKMULTISIG with
// 1 <= M <= N <= 16 and exactly N keys.
func multisigShape(elems []Element) (uint8, uint8, bool) {
	if len(elems) < 4 {
		return 0, 0, false
	}
	last := len(elems) - 1
	if elems[last].Opcode != txscript.OP_CHECKMULTISIG {
		return 0, 0, false
	}
	m, ok := smallInt(elems[0].Opcode)
	if !ok {
		return 0, 0, false
	}
	n, ok := smallInt(elems[last-1].Opcode)
	if !ok {
		return 0, 0, false
	}
	if m < 1 || m > n || n > maxMultisigKeys || int(n) != len(elems)-3 {
		return 0, 0, false
	}
	for _, e := range elems[1 : last-1] {
		if !e.isPush() || !isPubKeyData(e.Data) {
			return 0, 0, false
		}
	}
	return m, n, true
}

// isNullData: OP_RETURN followed only by data pushes.
func isNullData(elems []Element) bool {
	if len(elems) == 0 || elems[0].Opcode != txscript.OP_RETURN {
		return false
	}
	for _, e := range elems[1:] {
		if !e.isPush() {
			return false
		}
	}
	return true
}

func classifyInput(elems []Element) Pattern {
	if len(elems) == 0 {
		return Pattern{Class: Unknown}
	}
	for _, e := range elems {
		if !e.isPush() {
			return Pattern{Class: Unknown}
		}
	}

	switch {
	case len(elems) == 2 && isSigData(elems[0].Data) &&
		isPubKeyData(elems[1].Data):

		return Pattern{Class: PubKeyHash}

	case len(elems) == 1 && isSigData(elems[0].Data):
		return Pattern{Class: PubKey}
	}

	if _, ok := redeemScript(elems); ok {
		return Pattern{Class: ScriptHash}
	}
	return Pattern{Class: Unknown}
}

// redeemScript parses the last push of an input as a redeem script and
// reports whether it is one of the known spendable output patterns.
func redeemScript(elems []Element) (*Script, bool) {
	last := elems[len(elems)-1].Data
	if len(last) == 0 {
		return nil, false
	}
	inner, err := Parse(last)
	if err != nil {
		return nil, false
	}
	p := Classify(Output, inner)
	switch p.Class {
	case PubKey, PubKeyHash, Multisig:
		return &Script{role: Output, elems: inner, pattern: p}, true
	}
	return nil, false
}
