// Package cmdlist compiles sequence text into device programs.
//
// The sequence language is parsed outside this module. ExecCompiler talks
// to the parser as a child process: text on stdin, the encoded program on
// stdout, and on exit status 1 a JSON ParseError on stderr. CachedCompiler
// memoizes any Compiler by the xxhash of the text.
//
// An encoded program starts with a 12 byte header (u64 duration in ns,
// u32 TTL mask, little-endian) followed by the command bytes.
package cmdlist
