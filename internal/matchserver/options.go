package matchserver

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/cory-johannsen/matchmaking/internal/config"
	"github.com/cory-johannsen/matchmaking/internal/room"
	"github.com/cory-johannsen/matchmaking/internal/scripting"
)

// OptionsFromConfig translates the rooms configuration, loading the
// admission script when one is configured. The caller owns the returned
// policy and closes it on shutdown.
//
// Precondition: rc must have passed config validation.
func OptionsFromConfig(rc config.RoomsConfig, logger *zap.Logger) (Options, error) {
	opts := Options{
		HostPolicy:        room.PromoteOnHostLeave,
		DefaultMaxSize:    rc.DefaultMaxSize,
		SessionBufferSize: rc.SessionBufferSize,
	}
	if rc.HostPolicy == config.HostPolicyDestroy {
		opts.HostPolicy = room.DestroyOnHostLeave
	}
	if rc.AdmissionScript != "" {
		policy, err := scripting.LoadAdmissionPolicy(rc.AdmissionScript, rc.ScriptInstructionLimit, logger)
		if err != nil {
			return Options{}, fmt.Errorf("loading admission script: %w", err)
		}
		opts.Admission = policy
	}
	return opts, nil
}
