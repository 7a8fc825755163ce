package ingest

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestNewDefaultsFatal(t *testing.T) {
	o := New(nil, nil, zerolog.Nop(), nil, 4)
	assert.NotNil(t, o.fatal)
	w, _ := o.width.Get()
	assert.Equal(t, 4, w)
}

func TestSetWidth(t *testing.T) {
	o := New(nil, nil, zerolog.Nop(), nil, 4)
	o.SetWidth(1)
	w, _ := o.width.Get()
	assert.Equal(t, 1, w)
}

func TestActiveStartsAtZero(t *testing.T) {
	o := New(nil, nil, zerolog.Nop(), nil, 4)
	assert.Equal(t, int64(0), o.Active())
}
