// Command roottaskd is the reference boot sequence: it loads the
// integrity policy and root-task manifest, builds the event log, maps
// the root task's modules, mints its root PD/EC/SC, and hands control to
// the syscall dispatcher. A real boot loader invokes the equivalent of this
// sequence in firmware/early-kernel context; here it is a CLI so the
// sequence can be exercised and tested like any other Go program.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	setxid "gopkg.in/hlandau/service.v1/daemon/setuid"

	"github.com/hvcore-project/hvcore/alloc"
	"github.com/hvcore-project/hvcore/hip"
	"github.com/hvcore-project/hvcore/integrity"
	"github.com/hvcore-project/hvcore/kobject"
	"github.com/hvcore-project/hvcore/mdb"
	"github.com/hvcore-project/hvcore/portal"
	"github.com/hvcore-project/hvcore/roottask"
	"github.com/hvcore-project/hvcore/sched"
	"github.com/hvcore-project/hvcore/syscallabi"
)

// config holds the flags boot() needs, kept separate from flag.FlagSet
// so tests can construct one directly without touching os.Args.
type config struct {
	policyPath   string
	manifestPath string
	ncpus        int
	dropUID      int
}

// bootResult is everything a caller (main, or a test) might want to
// inspect or drive after a successful boot.
type bootResult struct {
	Kernel   *syscallabi.Kernel
	Sched    *sched.Scheduler
	Registry *kobject.Registry
	EventLog *integrity.Log
	Info     hip.Info
	RootPD   *kobject.PD
	RootEC   *kobject.EC
}

// boot runs the sequence spec §4.K describes up through "transfer
// control to the root task": load policy and manifest, build the event
// log, allocate the kernel engines, create the root PD/OBJ space, map
// the root task's modules into its HST space, and mint its entry EC.
func boot(fs afero.Fs, cfg config, log *logrus.Entry) (*bootResult, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	policy, err := integrity.LoadPolicyConfig(fs, cfg.policyPath)
	if err != nil {
		return nil, err
	}
	eventLog, err := integrity.NewLogFromConfig(policy)
	if err != nil {
		return nil, err
	}

	manifest, err := roottask.Load(fs, cfg.manifestPath)
	if err != nil {
		return nil, err
	}

	a := alloc.New(log)
	registry := kobject.NewRegistry()
	schedr := sched.New(cfg.ncpus, log)
	ptEngine := portal.New(registry, log)
	rcu := mdb.NewDomain(cfg.ncpus)
	kern := syscallabi.New(registry, schedr, ptEngine, rcu, a, 256, log)

	rootPD := kobject.NewPD(kobject.NewSlab(kobject.KindPD, 1).Take(), a, kobject.SlabCapacities{EC: 64, SC: 64, PT: 64, SM: 64, FPU: 16}, log)
	if _, err := rootPD.BindObjSpace(manifest.ObjSelectorBits, manifest.BPL); err != nil {
		return nil, err
	}
	hst, err := rootPD.BindHST()
	if err != nil {
		return nil, err
	}
	registry.Put(rootPD.Handle(), rootPD)

	if err := roottask.MapModules(manifest, hst); err != nil {
		return nil, err
	}
	rootEC, err := roottask.Bootstrap(manifest, rootPD, registry, 0)
	if err != nil {
		return nil, err
	}
	if err := schedr.Enqueue(0, kobject.NewSC(rootPD.Slab(kobject.KindSC).Take(), rootEC, 0, 31, 1000, log)); err != nil {
		return nil, err
	}

	b := hip.NewBuilder(log)
	if _, err := b.DetectCPUCount(); err != nil {
		log.WithError(err).Warn("cpu topology detection failed, continuing with a single CPU")
		b.SetCPUTopology([]hip.CPUDesc{{APICID: 0}})
	}
	info := b.
		SetRootTaskImage(hip.Range{Base: manifest.Process.EntryIP, Size: manifest.Process.StackTop}).
		AddSelector("root-pd", rootPD.Handle()).
		AddSelector("root-ec", rootEC.Handle()).
		Build()

	log.WithFields(logrus.Fields{"cpus": info.CPUCount, "modules": len(manifest.Modules)}).Info("boot sequence complete")

	return &bootResult{
		Kernel:   kern,
		Sched:    schedr,
		Registry: registry,
		EventLog: eventLog,
		Info:     info,
		RootPD:   rootPD,
		RootEC:   rootEC,
	}, nil
}

// dropPrivileges switches the running process to uid/gid, the last
// boot step before handing execution to untrusted root-task code
// (spec §4.K's collaborator boundary stops short of this, but a host
// build benefits from the same discipline).
func dropPrivileges(uid int) error {
	if uid == 0 {
		return nil
	}
	if err := setxid.Setresgid(uid, uid, uid); err != nil {
		return err
	}
	return setxid.Setresuid(uid, uid, uid)
}

func main() {
	cfg := config{}
	flag.StringVar(&cfg.policyPath, "policy", "/etc/hvcore/policy.toml", "integrity policy TOML path")
	flag.StringVar(&cfg.manifestPath, "manifest", "/etc/hvcore/roottask.toml", "root task manifest TOML path")
	flag.IntVar(&cfg.ncpus, "cpus", 1, "number of CPUs to schedule across")
	flag.IntVar(&cfg.dropUID, "drop-uid", 0, "uid to drop privileges to after boot (0 = no drop)")
	flag.Parse()

	log := logrus.NewEntry(logrus.StandardLogger())

	result, err := boot(afero.NewOsFs(), cfg, log)
	if err != nil {
		log.WithError(err).Fatal("boot sequence failed")
	}

	if err := dropPrivileges(cfg.dropUID); err != nil {
		log.WithError(err).Fatal("drop privileges")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	log.Info("root task running, waiting for shutdown signal")
	<-sig
	log.WithField("pending_mdb_reclaims", result.Kernel.RCU.Pending()).Info("shutting down")
}
