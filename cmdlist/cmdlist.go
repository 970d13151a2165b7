package cmdlist

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/c360/labctrl/errors"
)

// HeaderSize is the length of the program prefix: u64 duration in ns
// followed by the u32 mask of TTL channels the sequence drives.
const HeaderSize = 12

// Compiler turns sequence text into a device program. Syntax errors are
// returned as *ParseError.
type Compiler interface {
	Compile(ctx context.Context, text string) ([]byte, error)
}

// CompilerFunc adapts a function to Compiler
type CompilerFunc func(ctx context.Context, text string) ([]byte, error)

// Compile implements Compiler
func (f CompilerFunc) Compile(ctx context.Context, text string) ([]byte, error) {
	return f(ctx, text)
}

// ParseError locates a syntax error in sequence text. Column fields the
// parser does not use are -1: either Colnum points at a single column or
// Colstart and Colend span a range.
type ParseError struct {
	Msg      string `json:"msg"`
	Line     string `json:"line"`
	Lineno   int32  `json:"lineno"`
	Colnum   int32  `json:"colnum"`
	Colstart int32  `json:"colstart"`
	Colend   int32  `json:"colend"`
}

func (e *ParseError) Error() string {
	switch {
	case e.Colnum >= 0:
		return fmt.Sprintf("line %d, column %d: %s", e.Lineno, e.Colnum, e.Msg)
	case e.Colstart >= 0:
		return fmt.Sprintf("line %d, columns %d-%d: %s", e.Lineno, e.Colstart, e.Colend, e.Msg)
	default:
		return fmt.Sprintf("line %d: %s", e.Lineno, e.Msg)
	}
}

// Program is a compiled sequence
type Program struct {
	LenNS   uint64
	TTLMask uint32
	Code    []byte
}

// Encode returns the header followed by the command bytes, the form the
// device accepts in run_cmdlist.
func (p Program) Encode() []byte {
	buf := make([]byte, HeaderSize+len(p.Code))
	binary.LittleEndian.PutUint64(buf, p.LenNS)
	binary.LittleEndian.PutUint32(buf[8:], p.TTLMask)
	copy(buf[HeaderSize:], p.Code)
	return buf
}

// Decode splits an encoded program.
func Decode(data []byte) (Program, error) {
	if len(data) < HeaderSize {
		return Program{}, errors.WrapInvalid(errors.ErrShortReply, "cmdlist", "Decode",
			fmt.Sprintf("read %d byte header from %d bytes", HeaderSize, len(data)))
	}
	return Program{
		LenNS:   binary.LittleEndian.Uint64(data),
		TTLMask: binary.LittleEndian.Uint32(data[8:]),
		Code:    data[HeaderSize:],
	}, nil
}
