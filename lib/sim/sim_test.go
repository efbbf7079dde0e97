package sim

import (
	"errors"
	"io"
	"testing"

	"github.com/matryer/is"
)

func TestDispatch(t *testing.T) {
	is := is.New(t)
	s := New("\r")
	s.Reply("V", "ILM200 Version 1.08")
	s.HandlePrefix("R", func(cmd string) string { return "R" + cmd[1:] + ".0" })
	s.HandlePrefix("R1", func(string) string { return "R99.9" })

	v, err := s.Query("V")
	is.NoErr(err)
	is.Equal(v, "ILM200 Version 1.08")

	r, err := s.Query("R2")
	is.NoErr(err)
	is.Equal(r, "R2.0")
	r, err = s.Query("R1")
	is.NoErr(err)
	is.Equal(r, "R99.9") // longest prefix wins

	r, err = s.Query("X")
	is.NoErr(err)
	is.Equal(r, "?X")

	is.NoErr(s.Command("C%d", 3))
	is.Equal(s.Log(), []string{"V", "R2", "R1", "X", "C3"})
	is.True(s.Sent("C3"))

	boom := errors.New("boom")
	s.FailOn("V", boom)
	_, err = s.Query("V")
	is.Equal(err, boom)
}

func TestWire(t *testing.T) {
	is := is.New(t)
	s := New("\r")
	s.Reply("*IDN?", "LSCI,MODEL340,1,0")
	s.Reply("++ver", "AR488 GPIB controller")

	_, err := s.Write([]byte("++addr 12\n*ID"))
	is.NoErr(err)
	_, err = s.Write([]byte("N?\n++read eoi\n++ver\nA\x1b+B\n"))
	is.NoErr(err)

	buf := make([]byte, 64)
	n, err := s.Read(buf)
	is.NoErr(err)
	is.Equal(string(buf[:n]), "LSCI,MODEL340,1,0\rAR488 GPIB controller\r\n")
	_, err = s.Read(buf)
	is.Equal(err, io.EOF)

	is.Equal(s.Log(), []string{"++addr 12", "*IDN?", "++ver", "A+B"})
}
