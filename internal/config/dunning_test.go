package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateDunningConfig_Default(t *testing.T) {
	require.NoError(t, validateDunningConfig(DefaultDunningConfig()))
}

func TestValidateDunningConfig_Rejects(t *testing.T) {
	cases := []struct {
		name   string
		stages []DunningStage
	}{
		{
			name:   "too few stages",
			stages: []DunningStage{{Stage: "canceled", OffsetDays: 0}},
		},
		{
			name: "first stage not at day zero",
			stages: []DunningStage{
				{Stage: "payment_failed", OffsetDays: 1},
				{Stage: "canceled", OffsetDays: 14},
			},
		},
		{
			name: "offsets not increasing",
			stages: []DunningStage{
				{Stage: "payment_failed", OffsetDays: 0},
				{Stage: "first_reminder", OffsetDays: 7},
				{Stage: "second_reminder", OffsetDays: 7},
				{Stage: "canceled", OffsetDays: 14},
			},
		},
		{
			name: "missing terminal stage",
			stages: []DunningStage{
				{Stage: "payment_failed", OffsetDays: 0},
				{Stage: "final_warning", OffsetDays: 12},
			},
		},
		{
			name: "empty stage name",
			stages: []DunningStage{
				{Stage: "payment_failed", OffsetDays: 0},
				{Stage: "", OffsetDays: 7},
				{Stage: "canceled", OffsetDays: 14},
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Error(t, validateDunningConfig(DunningConfig{Stages: tc.stages}))
		})
	}
}

func TestStaticDunningConfigHolder(t *testing.T) {
	holder, err := NewStaticDunningConfigHolder(DefaultDunningConfig())
	require.NoError(t, err)
	require.Len(t, holder.Get().Stages, 5)

	_, err = NewStaticDunningConfigHolder(DunningConfig{})
	require.Error(t, err)
}
