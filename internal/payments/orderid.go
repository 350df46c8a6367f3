package payments

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// NewMerchantOrderID mints the local order id quoted to the gateway. The
// timestamp keeps ids roughly sortable for operators; the random suffix
// prevents collisions between instances minting in the same millisecond.
func NewMerchantOrderID(now time.Time) (string, error) {
	var raw [4]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("generating order id: %w", err)
	}
	return fmt.Sprintf("pv-%s-%s", strconv.FormatInt(now.UnixMilli(), 36), hex.EncodeToString(raw[:])), nil
}
