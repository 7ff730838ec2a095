package blobstore

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDir_PutLocateMove(t *testing.T) {
	d := New(t.TempDir())

	_, err := d.Locate("UPS", "inv.xml")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, d.Put("UPS", "inv.xml", strings.NewReader("<InvoiceFile/>")))
	z, err := d.Locate("UPS", "inv.xml")
	require.NoError(t, err)
	require.Equal(t, ZonePending, z)

	rc, err := d.Open("UPS", ZonePending, "inv.xml")
	require.NoError(t, err)
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, "<InvoiceFile/>", string(b))

	require.NoError(t, d.Move("UPS", "inv.xml", ZonePending, ZoneImported))
	z, err = d.Locate("UPS", "inv.xml")
	require.NoError(t, err)
	require.Equal(t, ZoneImported, z)

	// повторный move после сбоя между move и обновлением статуса
	require.NoError(t, d.Move("UPS", "inv.xml", ZonePending, ZoneImported))
}

func TestDir_MoveErrors(t *testing.T) {
	d := New(t.TempDir())

	require.ErrorIs(t, d.Move("UPS", "nope.xml", ZonePending, ZoneFailed), ErrNotFound)
	require.ErrorIs(t, d.Move("UPS", "x.xml", ZoneFailed, ZonePending), ErrInvalidMove)
	require.ErrorIs(t, d.Move("UPS", "x.xml", ZoneFailed, ZoneFailed), ErrInvalidMove)
}

func TestDir_InvalidNames(t *testing.T) {
	d := New(t.TempDir())
	require.ErrorIs(t, d.Put("UPS", "../escape.xml", strings.NewReader("x")), ErrInvalidName)
	require.ErrorIs(t, d.Put("../UPS", "a.xml", strings.NewReader("x")), ErrInvalidName)
	_, err := d.Open("UPS", ZonePending, "")
	require.ErrorIs(t, err, ErrInvalidName)
}

func TestDir_OpenMissing(t *testing.T) {
	d := New(t.TempDir())
	_, err := d.Open("UPS", ZoneFailed, "a.xml")
	require.ErrorIs(t, err, ErrNotFound)
}
