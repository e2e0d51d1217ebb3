package contract

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/oldeucryptoboi/karnevil9/pkg/canonical"
	"github.com/oldeucryptoboi/karnevil9/pkg/errkit"
)

// AttestationHop is one signed delegation hop. Each hop signs the hash of its
// predecessor, so the chain can be verified end to end by anyone holding the
// hop public keys.
type AttestationHop struct {
	NodeID    string    `json:"node_id"`
	TaskID    string    `json:"task_id"`
	Depth     int       `json:"depth"`
	Timestamp time.Time `json:"timestamp"`
	PrevHash  string    `json:"prev_hash"`
	PublicKey string    `json:"public_key"`
	Signature string    `json:"signature"`
}

// hopBody is the signed portion of a hop.
func hopBody(h *AttestationHop) map[string]any {
	return map[string]any{
		"node_id":   h.NodeID,
		"task_id":   h.TaskID,
		"depth":     h.Depth,
		"prev_hash": h.PrevHash,
	}
}

// AppendHop extends the chain with a hop signed by the local node key.
func AppendHop(chain []AttestationHop, nodeID, taskID string, key ed25519.PrivateKey) ([]AttestationHop, error) {
	prevHash := canonical.ZeroHash
	if len(chain) > 0 {
		hash, err := canonical.Hash(&chain[len(chain)-1])
		if err != nil {
			return nil, fmt.Errorf("hash predecessor hop: %w", err)
		}
		prevHash = hash
	}

	hop := AttestationHop{
		NodeID:    nodeID,
		TaskID:    taskID,
		Depth:     len(chain),
		Timestamp: time.Now().UTC(),
		PrevHash:  prevHash,
		PublicKey: hex.EncodeToString(key.Public().(ed25519.PublicKey)),
	}
	body, err := canonical.Marshal(hopBody(&hop))
	if err != nil {
		return nil, err
	}
	hop.Signature = hex.EncodeToString(ed25519.Sign(key, body))
	return append(chain, hop), nil
}

// VerifyChain validates every hop: depth ordering, predecessor hashes, and
// each hop's signature against its embedded public key.
func VerifyChain(chain []AttestationHop) error {
	prevHash := canonical.ZeroHash
	for i := range chain {
		hop := &chain[i]
		if hop.Depth != i {
			return errkit.Newf(errkit.CodeSwarmAttestationInvalid, "hop %d carries depth %d", i, hop.Depth)
		}
		if hop.PrevHash != prevHash {
			return errkit.Newf(errkit.CodeSwarmAttestationInvalid, "hop %d predecessor hash mismatch", i)
		}

		pub, err := hex.DecodeString(hop.PublicKey)
		if err != nil || len(pub) != ed25519.PublicKeySize {
			return errkit.Newf(errkit.CodeSwarmAttestationInvalid, "hop %d has a malformed public key", i)
		}
		sig, err := hex.DecodeString(hop.Signature)
		if err != nil {
			return errkit.Newf(errkit.CodeSwarmAttestationInvalid, "hop %d has a malformed signature", i)
		}
		body, err := canonical.Marshal(hopBody(hop))
		if err != nil {
			return err
		}
		if !ed25519.Verify(ed25519.PublicKey(pub), body, sig) {
			return errkit.Newf(errkit.CodeSwarmAttestationInvalid, "hop %d signature does not verify", i)
		}

		hash, err := canonical.Hash(hop)
		if err != nil {
			return err
		}
		prevHash = hash
	}
	return nil
}

// ChainDepth returns the delegation depth recorded by the chain.
func ChainDepth(chain []AttestationHop) int {
	return len(chain)
}
