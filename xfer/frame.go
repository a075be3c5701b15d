package xfer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// maxInitialFrameBuffer caps the up-front allocation for a frame. The
// declared length comes from the peer, so the buffer grows with the bytes
// that actually arrive rather than trusting the prefix.
const maxInitialFrameBuffer = 64 * 1024

// WriteLength writes n as an 8-byte little-endian unsigned integer. The same
// encoding carries the file count at the start of a session and the payload
// length in front of every frame.
func WriteLength(w io.Writer, n uint64) error {
	var prefix [LengthSize]byte
	binary.LittleEndian.PutUint64(prefix[:], n)
	written, err := w.Write(prefix[:])
	if err != nil {
		return WrapError(ErrTransport, "writing length prefix", err)
	}
	if written != LengthSize {
		return WrapError(ErrTransport, "writing length prefix", io.ErrShortWrite)
	}
	return nil
}

// WriteFrame writes the length of payload followed by payload itself,
// split into sequential writes of at most ChunkSize bytes.
func WriteFrame(w io.Writer, payload []byte) error {
	if err := WriteLength(w, uint64(len(payload))); err != nil {
		return err
	}
	return writePayload(w, payload)
}

// writePayload writes payload in sequential writes of at most ChunkSize
// bytes.
func writePayload(w io.Writer, payload []byte) error {
	for offset := 0; offset < len(payload); {
		end := min(offset+ChunkSize, len(payload))
		written, err := w.Write(payload[offset:end])
		if err != nil {
			return WrapError(ErrTransport, fmt.Sprintf("writing frame payload at offset %d", offset), err)
		}
		if written != end-offset {
			return WrapError(ErrTransport, fmt.Sprintf("writing frame payload at offset %d", offset), io.ErrShortWrite)
		}
		offset = end
	}
	return nil
}

// ReadLength reads exactly LengthSize bytes, looping over partial reads,
// and decodes them as an unsigned little-endian integer.
func ReadLength(r io.Reader) (uint64, error) {
	var prefix [LengthSize]byte
	if n, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, WrapError(ErrTransport,
				fmt.Sprintf("connection closed after %d of %d length bytes", n, LengthSize), err)
		}
		return 0, WrapError(ErrTransport, "reading length prefix", err)
	}
	return binary.LittleEndian.Uint64(prefix[:]), nil
}

// ReadFrame reads exactly length payload bytes in reads of at most
// ChunkSize bytes.
//
// A read that reports end of stream while bytes are still owed means the
// peer closed mid-frame and yields ErrConnectionTerminated. The received
// prefix of the payload is discarded. A zero length returns an empty
// payload without touching r.
func ReadFrame(r io.Reader, length uint64) ([]byte, error) {
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, 0, min(length, maxInitialFrameBuffer))
	chunk := make([]byte, ChunkSize)
	var received uint64

	for received < length {
		want := min(length-received, uint64(ChunkSize))
		n, err := r.Read(chunk[:want])
		if n > 0 {
			payload = append(payload, chunk[:n]...)
			received += uint64(n)
		}
		if received == length {
			break
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, NewError(ErrConnectionTerminated,
					fmt.Sprintf("connection closed after %d of %d payload bytes", received, length))
			}
			return nil, WrapError(ErrTransport,
				fmt.Sprintf("reading frame payload after %d of %d bytes", received, length), err)
		}
	}
	return payload, nil
}
