// Package milterutil includes text helpers for talking to an MTA: line splitting of message data and SMTP reply formatting.
package milterutil

import (
	"golang.org/x/text/transform"
)

const cr = '\r'
const lf = '\n'

// CrLfToLfTransformer is a [transform.Transformer] that replaces all CR LF and single CR in src to LF in dst.
type CrLfToLfTransformer struct {
	prevCR bool
}

func (t *CrLfToLfTransformer) Transform(dst, src []byte, atEOF bool) (nDst, nSrc int, err error) {
	for nDst < len(dst) && nSrc < len(src) {
		c := src[nSrc]
		if c == lf && t.prevCR {
			t.prevCR = false
			nSrc++
			continue
		}
		t.prevCR = c == cr
		if t.prevCR {
			c = lf
		}
		dst[nDst] = c
		nDst++
		nSrc++
	}
	if nSrc < len(src) {
		err = transform.ErrShortDst
	}
	return
}

func (t *CrLfToLfTransformer) Reset() {
	t.prevCR = false
}

var _ transform.Transformer = &CrLfToLfTransformer{}

// DoublePercentTransformer is a [transform.Transformer] that replaces all % in src with %% in dst.
// MTAs use the reply text as a format string.
type DoublePercentTransformer struct {
	transform.NopResetter
}

func (t *DoublePercentTransformer) Transform(dst, src []byte, _ bool) (nDst, nSrc int, err error) {
	for nSrc < len(src) {
		c := src[nSrc]
		need := 1
		if c == '%' {
			need = 2
		}
		if len(dst)-nDst < need {
			return nDst, nSrc, transform.ErrShortDst
		}
		dst[nDst] = c
		if need == 2 {
			dst[nDst+1] = c
		}
		nDst += need
		nSrc++
	}
	return
}

var _ transform.Transformer = &DoublePercentTransformer{}
