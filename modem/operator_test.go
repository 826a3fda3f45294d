package modem

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseOperators(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		input  string
		expect []OperatorInfo
	}{
		{"empty", "", nil},
		{"single", "46001:7", []OperatorInfo{{46001, 7}}},
		{"multi", "46001:7,46002:2,50501:7", []OperatorInfo{{46001, 7}, {46002, 2}, {50501, 7}}},
		{"malformed-skipped", "46001:7,bogus,:3,46002:x,26201:0", []OperatorInfo{{46001, 7}, {26201, 0}}},
		{"zero-plmn-skipped", "0:7,46001:7", []OperatorInfo{{46001, 7}}},
		{"whitespace", " 46001:7 , 46002:2 ", []OperatorInfo{{46001, 7}, {46002, 2}}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.expect, ParseOperators(c.input))
		})
	}
}

func TestSerializeOperatorsRoundtrip(t *testing.T) {
	t.Parallel()
	ops := []OperatorInfo{{46001, 7}, {46002, 2}, {50501, -1}}
	s := SerializeOperators(ops)
	assert.Equal(t, "46001:7,46002:2,50501:-1", s)
	assert.Equal(t, ops, ParseOperators(s))
}

func TestParseCopsScan(t *testing.T) {
	t.Parallel()
	line := `(2,"China Mobile","CMCC","46000",7),(1,"China Unicom","CUCC","46001",7),(3,"Forbidden","FB","46011",7),(0,"CT","CT","46011",2),,(0-4),(0-2)`
	ops := parseCopsScan(line)
	assert.Equal(t, []OperatorInfo{{46000, 7}, {46001, 7}, {46011, 2}}, ops)
}

func TestRegistrationStatusPredicates(t *testing.T) {
	t.Parallel()
	assert.True(t, RegistrationStatus{Stat: 1}.Registered())
	assert.True(t, RegistrationStatus{Stat: 5}.Registered())
	assert.False(t, RegistrationStatus{Stat: 2}.Registered())
	assert.True(t, RegistrationStatus{Stat: 3}.Denied())
	assert.True(t, RegistrationStatus{Stat: 11}.Denied())
	assert.False(t, RegistrationStatus{Stat: 1}.Denied())
}
