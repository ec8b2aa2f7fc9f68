package keyring

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// SLIP-132 extended key version prefixes. The four version bytes are the only
// part of the serialization that changes between prefixes, the key material is
// identical.
var slip132Versions = map[string]uint32{
	"xprv": 0x0488ade4,
	"xpub": 0x0488b21e,
	"yprv": 0x049d7878,
	"ypub": 0x049d7cb2,
	"zprv": 0x04b2430c,
	"zpub": 0x04b24746,
	"Yprv": 0x0295b005,
	"Ypub": 0x0295b43f,
	"Zprv": 0x02aa7a99,
	"Zpub": 0x02aa7ed3,
	"tprv": 0x04358394,
	"tpub": 0x043587cf,
	"uprv": 0x044a4e28,
	"upub": 0x044a5262,
	"vprv": 0x045f18bc,
	"vpub": 0x045f1cf6,
	"Uprv": 0x024285b5,
	"Upub": 0x024289ef,
	"Vprv": 0x02575048,
	"Vpub": 0x02575483,
}

const extendedKeyPayloadLen = 78

// ConvertExtendedKey rewraps the 78-byte body of a serialized extended key
// under the version bytes of the given SLIP-132 prefix, recomputing the
// base58check checksum. The key material is left untouched.
func ConvertExtendedKey(key, prefix string) (string, error) {
	version, ok := slip132Versions[prefix]
	if !ok {
		return "", fmt.Errorf("unknown extended key prefix %s", prefix)
	}

	decoded := base58.Decode(key)
	if len(decoded) != extendedKeyPayloadLen+4 {
		return "", fmt.Errorf("invalid extended key length %d", len(decoded))
	}

	payload := decoded[:extendedKeyPayloadLen]
	checksum := chainhash.DoubleHashB(payload)[:4]
	if !bytes.Equal(checksum, decoded[extendedKeyPayloadLen:]) {
		return "", fmt.Errorf("invalid extended key checksum")
	}

	out := make([]byte, extendedKeyPayloadLen+4)
	binary.BigEndian.PutUint32(out[:4], version)
	copy(out[4:extendedKeyPayloadLen], payload[4:])
	copy(out[extendedKeyPayloadLen:], chainhash.DoubleHashB(out[:extendedKeyPayloadLen])[:4])

	return base58.Encode(out), nil
}

// RawExtendedKey returns the 78-byte body of a serialized extended key,
// without version conversion or checksum.
func RawExtendedKey(key string) ([]byte, error) {
	decoded := base58.Decode(key)
	if len(decoded) != extendedKeyPayloadLen+4 {
		return nil, fmt.Errorf("invalid extended key length %d", len(decoded))
	}
	raw := make([]byte, extendedKeyPayloadLen)
	copy(raw, decoded[:extendedKeyPayloadLen])
	return raw, nil
}
