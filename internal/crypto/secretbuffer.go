package crypto

// SecretBuffer holds key material or stretched secrets in memory. It must be
// closed when no longer needed, which zeroes the underlying bytes. The bytes
// are never copied implicitly and never serialized: there are no struct tags
// and String redacts the contents.
type SecretBuffer struct {
	data   []byte
	closed bool
}

// NewSecretBuffer takes ownership of b. Callers must not retain b.
func NewSecretBuffer(b []byte) *SecretBuffer {
	return &SecretBuffer{data: b}
}

// Bytes returns the underlying bytes. The slice is only valid until Close.
func (s *SecretBuffer) Bytes() []byte {
	if s == nil || s.closed {
		return nil
	}
	return s.data
}

// Len returns the buffer length, or 0 once closed.
func (s *SecretBuffer) Len() int {
	if s == nil || s.closed {
		return 0
	}
	return len(s.data)
}

// Clone returns an independent copy of the buffer.
func (s *SecretBuffer) Clone() *SecretBuffer {
	if s == nil || s.closed {
		return nil
	}
	b := make([]byte, len(s.data))
	copy(b, s.data)
	return NewSecretBuffer(b)
}

// Close zeroes the buffer. Safe to call more than once.
func (s *SecretBuffer) Close() {
	if s == nil || s.closed {
		return
	}
	Zero(s.data)
	s.data = nil
	s.closed = true
}

// Closed reports whether the buffer has been zeroed.
func (s *SecretBuffer) Closed() bool {
	return s == nil || s.closed
}

// String implements fmt.Stringer and never reveals the contents.
func (s *SecretBuffer) String() string {
	return "secret(redacted)"
}

// GoString prevents %#v from leaking the contents.
func (s *SecretBuffer) GoString() string {
	return s.String()
}

// Zero overwrites b with zeros.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
