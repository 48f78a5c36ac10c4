// Package checksum implements the CRC32 variant computed by the DOM firmware
// over the calibration payload.
//
// The polynomial is the IEEE 802.3 one, but the register is shifted MSB-first
// with a zero initial value and no final XOR. hash/crc32 reflects its input and
// output, so crc32.ChecksumIEEE does NOT match the device.
package checksum

const (
	// Polynomial is the CRC-32 generator polynomial in normal (non-reflected) form.
	Polynomial uint32 = 0x04C11DB7

	// highBitMask selects the bit shifted out of the register on each round.
	highBitMask uint32 = 0x80000000

	bitsPerByte = 8
)

// CRC32 is an incremental accumulator. The zero value is ready to use.
//
// Value returns the raw 32-bit register; treat it as a bit pattern, not a
// signed magnitude.
type CRC32 struct {
	crc uint32
}

// New returns a zeroed accumulator.
func New() *CRC32 {
	return &CRC32{}
}

// Reset zeroes the accumulator so a new payload can be hashed.
func (c *CRC32) Reset() {
	c.crc = 0
}

// Update folds a single byte into the register.
func (c *CRC32) Update(b byte) {
	c.crc ^= uint32(b) << 24
	for i := 0; i < bitsPerByte; i++ {
		if c.crc&highBitMask != 0 {
			c.crc = (c.crc << 1) ^ Polynomial
		} else {
			c.crc <<= 1
		}
	}
}

// Write folds every byte of p, in order. It never fails; the signature lets
// a CRC32 be used as an io.Writer.
func (c *CRC32) Write(p []byte) (int, error) {
	for _, b := range p {
		c.Update(b)
	}
	return len(p), nil
}

// WriteString is Write for text lines captured from the device.
func (c *CRC32) WriteString(s string) (int, error) {
	for i := 0; i < len(s); i++ {
		c.Update(s[i])
	}
	return len(s), nil
}

// Value returns the current register.
func (c *CRC32) Value() uint32 {
	return c.crc
}

// Sum returns the checksum of p from a zeroed register.
func Sum(p []byte) uint32 {
	var c CRC32
	c.Write(p)
	return c.Value()
}
