package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTLVAppend(t *testing.T) {
	buf := []byte{}
	buf = Append(buf, 'A', []byte{'A'})
	buf = Append(buf, 'b', []byte{'B', 'B'})
	correct2 := []byte{'a', 1, 'A', '2', 'B', 'B'}
	assert.Equal(t, correct2, buf, "basic TLV fail")

	var c256 [256]byte
	for n := range c256 {
		c256[n] = 'c'
	}
	buf = Append(buf, 'C', c256[:])
	assert.Equal(t, len(correct2)+1+4+len(c256), len(buf))
	assert.Equal(t, uint8(67), buf[len(correct2)])
	assert.Equal(t, uint8(1), buf[len(correct2)+2])

	lit, body, buf := TakeAny(buf)
	assert.Equal(t, uint8('A'), lit)
	assert.Equal(t, []byte{'A'}, body)

	body2, _, err := TakeWary('B', buf)
	assert.Nil(t, err)
	assert.Equal(t, []byte{'B', 'B'}, body2)
}

func TestSplit(t *testing.T) {
	var stream bytes.Buffer
	stream.Write(Record('M', []byte("hello")))
	stream.Write(Record('M', []byte("world")))

	recs, err := Split(&stream)
	assert.Nil(t, err)
	assert.Equal(t, 2, len(recs))

	lit, body, _ := TakeAny(recs[1])
	assert.Equal(t, uint8('M'), lit)
	assert.Equal(t, "world", string(body))
}

func TestSplitPartial(t *testing.T) {
	rec := Record('M', []byte("partial payload"))

	var stream bytes.Buffer
	stream.Write(rec[:len(rec)-4])

	recs, err := Split(&stream)
	assert.Nil(t, err)
	assert.Equal(t, 0, len(recs))

	// the tail arrives, the record completes
	stream.Write(rec[len(rec)-4:])
	recs, err = Split(&stream)
	assert.Nil(t, err)
	assert.Equal(t, 1, len(recs))
}

func TestSplitGarbage(t *testing.T) {
	var stream bytes.Buffer
	stream.Write([]byte{0xff, 0xfe})

	_, err := Split(&stream)
	assert.Equal(t, ErrBadRecord, err)
}
