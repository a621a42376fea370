package cd

import (
	"crypto/sha1"
	"encoding/base64"
	"fmt"
)

// discIDEncoding is base64 with the URL-hostile characters swapped for
// '.', '_', and '-', matching the disc id format the metadata provider
// expects.
var discIDEncoding = base64.NewEncoding(
	"ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789._").WithPadding('-')

// DiscID computes the canonical MusicBrainz identifier for a disc:
// SHA-1 over the first and last track numbers, the lead-out offset,
// and 99 zero-padded track offsets, encoded in the modified base64
// alphabet.
func DiscID(toc *TOC) string {
	h := sha1.New()
	fmt.Fprintf(h, "%02X%02X%08X", toc.FirstTrack, toc.LastTrack, toc.LeadOut)
	for i := 0; i < 99; i++ {
		offset := 0
		if i < len(toc.Offsets) {
			offset = toc.Offsets[i]
		}
		fmt.Fprintf(h, "%08X", offset)
	}
	return discIDEncoding.EncodeToString(h.Sum(nil))
}
