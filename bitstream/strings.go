package bitstream

// MaxStringLength is the longest string WriteString will send.
const MaxStringLength = 255

// StringCodec encodes the body of a string once front coding has been
// applied. Implementations may compress; they must read back exactly what
// they wrote.
type StringCodec interface {
	WriteString(b *BitStream, s string, maxLen int)
	ReadString(b *BitStream) string
}

// RawStringCodec writes an 8-bit length followed by the raw bytes.
type RawStringCodec struct{}

// WriteString implements StringCodec.
func (RawStringCodec) WriteString(b *BitStream, s string, maxLen int) {
	if maxLen > MaxStringLength {
		maxLen = MaxStringLength
	}
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	b.WriteInt(uint32(len(s)), 8)
	b.WriteBytes([]byte(s))
}

// ReadString implements StringCodec.
func (RawStringCodec) ReadString(b *BitStream) string {
	n := b.ReadInt(8)
	data := make([]byte, n)
	b.ReadBytes(data)
	return string(data)
}

func (b *BitStream) codec() StringCodec {
	if b.strings == nil {
		return RawStringCodec{}
	}
	return b.strings
}

// WriteString writes s front-coded against the previous string written to
// this stream: when more than two leading bytes match, only the prefix
// length and the differing tail are sent.
func (b *BitStream) WriteString(s string) {
	b.WriteStringMax(s, MaxStringLength)
}

// WriteStringMax is WriteString with an explicit length cap.
func (b *BitStream) WriteStringMax(s string, maxLen int) {
	if maxLen > MaxStringLength {
		maxLen = MaxStringLength
	}
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	prev := b.stringBuffer
	j := 0
	for j < len(s) && j < len(prev) && s[j] == prev[j] {
		j++
	}
	b.stringBuffer = s
	if b.WriteFlag(j > 2) {
		b.WriteInt(uint32(j), 8)
		b.codec().WriteString(b, s[j:], maxLen-j)
		return
	}
	b.codec().WriteString(b, s, maxLen)
}

// ReadString reads a string written with WriteString.
func (b *BitStream) ReadString() string {
	if b.ReadFlag() {
		offset := int(b.ReadInt(8))
		if offset > len(b.stringBuffer) {
			b.err = true
			return ""
		}
		s := b.stringBuffer[:offset] + b.codec().ReadString(b)
		b.stringBuffer = s
		return s
	}
	s := b.codec().ReadString(b)
	b.stringBuffer = s
	return s
}
