// Copyright (C) 2026 The parafoil-dev authors. All Rights Reserved.

// Program mavprobe is a command-line utility for talking to MAVLink
// endpoints: it can eavesdrop on a heartbeat stream and run the standard
// request transactions against an autopilot.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/sirupsen/logrus"

	"github.com/parafoil-dev/mav"
	"github.com/parafoil-dev/mav/dialect"
	"github.com/parafoil-dev/mav/transport"
)

var probeFlags struct {
	Config  string `flag:"config,Path to a TOML config file"`
	Dialect string `flag:"dialect,Path to the dialect XML (overrides config)"`
	Port    int    `flag:"port,default=0,UDP listen port (overrides config)"`
	Verbose bool   `flag:"v,Enable debug logging"`
}

var watchFlags struct {
	Count int `flag:"n,default=5,Number of heartbeats to report before exiting"`
}

var paramFlags struct {
	Name string `flag:"name,default=SYS_AUTOSTART,Parameter to read"`
}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Talk to MAVLink endpoints over UDP.",

		SetFlags: command.Flags(flax.MustBind, &probeFlags),
		Commands: []*command.C{
			{
				Name:     "watch",
				Help:     "Await a connection and report inbound heartbeats.",
				SetFlags: command.Flags(flax.MustBind, &watchFlags),
				Run:      runWatch,
			},
			{
				Name: "version",
				Help: "Request AUTOPILOT_VERSION from the first connected peer.",
				Run:  runVersion,
			},
			{
				Name:     "param",
				Help:     "Read a parameter value from the first connected peer.",
				SetFlags: command.Flags(flax.MustBind, &paramFlags),
				Run:      runParam,
			},
			command.HelpCommand(nil),
			command.VersionCommand(),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

// setup loads the configuration and dialect and starts a runtime on a UDP
// server transport. The caller owns the returned runtime.
func setup(env *command.Env) (*mav.NetworkRuntime, *mav.MessageSet, error) {
	cfg, err := loadConfig(probeFlags.Config)
	if err != nil {
		return nil, nil, err
	}
	if probeFlags.Dialect != "" {
		cfg.Dialect = probeFlags.Dialect
	}
	if probeFlags.Port != 0 {
		cfg.Port = probeFlags.Port
	}
	if cfg.Dialect == "" {
		return nil, nil, env.Usagef("no dialect file given (use -dialect or a config file)")
	}

	log := logrus.New()
	if probeFlags.Verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	set, err := dialect.LoadFile(cfg.Dialect)
	if err != nil {
		return nil, nil, err
	}
	phy, err := transport.ListenUDP(cfg.Port)
	if err != nil {
		return nil, nil, err
	}

	opts := &mav.Options{
		SystemID:    cfg.SystemID,
		ComponentID: cfg.ComponentID,
		Logger:      log,
	}
	if cfg.Heartbeat {
		hb, err := ownHeartbeat(set)
		if err != nil {
			phy.Close()
			return nil, nil, err
		}
		opts.Heartbeat = hb
	}
	rt := mav.NewRuntime(set, phy, opts).Start()
	log.Infof("listening on %v", phy.LocalAddr())
	return rt, set, nil
}

// ownHeartbeat builds the heartbeat announcing this probe as a ground
// station.
func ownHeartbeat(set *mav.MessageSet) (*mav.Message, error) {
	hb, err := set.Create("HEARTBEAT")
	if err != nil {
		return nil, err
	}
	vals := map[string]any{"custom_mode": 0}
	for field, entry := range map[string]string{
		"type":          "MAV_TYPE_GCS",
		"autopilot":     "MAV_AUTOPILOT_INVALID",
		"base_mode":     "MAV_MODE_FLAG_CUSTOM_MODE_ENABLED",
		"system_status": "MAV_STATE_ACTIVE",
	} {
		v, err := set.E(entry)
		if err != nil {
			return nil, err
		}
		vals[field] = v
	}
	if err := hb.SetFields(vals); err != nil {
		return nil, err
	}
	return hb, nil
}

func runWatch(env *command.Env) error {
	rt, _, err := setup(env)
	if err != nil {
		return err
	}
	defer rt.Stop()

	conn, err := rt.AwaitConnection(30 * time.Second)
	if err != nil {
		return err
	}
	fmt.Printf("connected to %v\n", conn.Peer())

	for i := range watchFlags.Count {
		m, err := conn.Receive("HEARTBEAT", 5*time.Second)
		if err != nil {
			return err
		}
		status, _ := mav.Get[int](m, "system_status")
		fmt.Printf("heartbeat %d from system %d (status %d)\n", i+1, m.Header.SystemID, status)
	}
	return nil
}

func runVersion(env *command.Env) error {
	rt, set, err := setup(env)
	if err != nil {
		return err
	}
	defer rt.Stop()

	conn, err := rt.AwaitConnection(30 * time.Second)
	if err != nil {
		return err
	}

	// Register the expectation before sending the request, so the answer
	// cannot arrive in between and get lost.
	exp, err := conn.Expect("AUTOPILOT_VERSION")
	if err != nil {
		return err
	}
	cmdID, err := set.E("MAV_CMD_REQUEST_MESSAGE")
	if err != nil {
		return err
	}
	msgID, err := set.IDForMessage("AUTOPILOT_VERSION")
	if err != nil {
		return err
	}
	req, err := set.Create("COMMAND_LONG")
	if err != nil {
		return err
	}
	if err := req.SetFields(map[string]any{
		"command":          cmdID,
		"param1":           msgID,
		"target_system":    1,
		"target_component": 1,
		"param7":           1,
	}); err != nil {
		return err
	}
	if err := conn.Send(req); err != nil {
		return err
	}
	rsp, err := exp.Wait(time.Second)
	if err != nil {
		return err
	}

	productID, _ := mav.Get[int](rsp, "product_id")
	vendorID, _ := mav.Get[int](rsp, "vendor_id")
	uid, _ := mav.Get[uint64](rsp, "uid")
	fmt.Printf("product id: %d\nvendor id: %d\nuid: %d\n", productID, vendorID, uid)
	return nil
}

func runParam(env *command.Env) error {
	rt, set, err := setup(env)
	if err != nil {
		return err
	}
	defer rt.Stop()

	conn, err := rt.AwaitConnection(30 * time.Second)
	if err != nil {
		return err
	}

	exp, err := conn.Expect("PARAM_VALUE")
	if err != nil {
		return err
	}
	req, err := set.Create("PARAM_REQUEST_READ")
	if err != nil {
		return err
	}
	if err := req.SetFields(map[string]any{
		"param_index":      -1,
		"param_id":         paramFlags.Name,
		"target_system":    1,
		"target_component": 1,
	}); err != nil {
		return err
	}
	if err := conn.Send(req); err != nil {
		return err
	}
	rsp, err := exp.Wait(time.Second)
	if err != nil {
		return err
	}

	id, err := rsp.GetString("param_id")
	if err != nil {
		return err
	}
	// Parameter values ride in a float field but may carry raw integer
	// bits, so unpack rather than convert.
	val, err := mav.FloatUnpack[int32](rsp, "param_value")
	if err != nil {
		return err
	}
	fmt.Printf("%s = %d\n", id, val)
	return nil
}
