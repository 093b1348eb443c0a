package main

import (
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestMaskString(t *testing.T) {
	require.Equal(t, "+7********89", maskString("+79123456789"))
	require.Equal(t, "Ив***ва", maskString("Иванова"))
	require.Equal(t, "****", maskString("abc"))
}

func TestMaskHookMasksOnlyPersonalFields(t *testing.T) {
	var entry = &log.Entry{Data: log.Fields{
		"phone":      "+79123456789",
		"externalID": "F1_101",
	}}
	require.NoError(t, maskHook{}.Fire(entry))
	require.Equal(t, "+7********89", entry.Data["phone"])
	require.Equal(t, "F1_101", entry.Data["externalID"])
}
