//go:build linux

// seccomp-gen builds a Docker seccomp profile from a YAML syscall allowlist,
// resolving every name against libseccomp so typos fail at build time rather
// than as silent EPERM inside a sandbox.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	seccomp "github.com/seccomp/libseccomp-golang"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"
)

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func run() error {
	inPath := flag.String("in", "", "Path to allowlist YAML")
	outPath := flag.String("out", "", "Path to write profile JSON (default stdout)")
	checkPath := flag.String("check", "", "Validate an existing profile JSON and exit")
	verbose := flag.Bool("v", false, "Print validation details")
	flag.Parse()

	if *checkPath != "" {
		return checkProfile(*checkPath, *verbose)
	}
	if *inPath == "" {
		return fmt.Errorf("-in or -check is required")
	}

	allowlist, err := loadAllowlist(*inPath)
	if err != nil {
		return err
	}
	profile, err := buildProfile(allowlist)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(profile); err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	if *outPath == "" {
		_, err = os.Stdout.Write(buf.Bytes())
		return err
	}
	if err := os.WriteFile(*outPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("write profile: %w", err)
	}
	if *verbose {
		fmt.Printf("wrote %s (%d allowed syscalls)\n", *outPath, countNames(profile))
	}
	return nil
}

type allowlist struct {
	DefaultAction string   `yaml:"defaultAction"`
	Allow         []string `yaml:"allow"`
	Kill          []string `yaml:"kill"`
}

// dockerProfile mirrors the subset of Docker's seccomp profile format the
// engine accepts.
type dockerProfile struct {
	DefaultAction string         `json:"defaultAction"`
	Architectures []string       `json:"architectures,omitempty"`
	Syscalls      []syscallGroup `json:"syscalls"`
}

type syscallGroup struct {
	Names  []string `json:"names"`
	Action string   `json:"action"`
}

func loadAllowlist(path string) (allowlist, error) {
	var list allowlist
	data, err := os.ReadFile(path)
	if err != nil {
		return list, fmt.Errorf("read allowlist: %w", err)
	}
	if err := yaml.Unmarshal(data, &list); err != nil {
		return list, fmt.Errorf("parse allowlist: %w", err)
	}
	if len(list.Allow) == 0 {
		return list, fmt.Errorf("allowlist is empty")
	}
	if list.DefaultAction == "" {
		list.DefaultAction = "SCMP_ACT_ERRNO"
	}
	return list, nil
}

func buildProfile(list allowlist) (dockerProfile, error) {
	if _, err := parseAction(list.DefaultAction); err != nil {
		return dockerProfile{}, err
	}
	if err := resolveNames(list.Allow); err != nil {
		return dockerProfile{}, err
	}
	if err := resolveNames(list.Kill); err != nil {
		return dockerProfile{}, err
	}

	profile := dockerProfile{
		DefaultAction: strings.ToUpper(list.DefaultAction),
		Architectures: nativeArchitectures(),
		Syscalls: []syscallGroup{
			{Names: dedupe(list.Allow), Action: "SCMP_ACT_ALLOW"},
		},
	}
	if len(list.Kill) > 0 {
		profile.Syscalls = append(profile.Syscalls, syscallGroup{
			Names: dedupe(list.Kill), Action: "SCMP_ACT_KILL_PROCESS",
		})
	}
	return profile, nil
}

// resolveNames rejects syscall names libseccomp does not know for this kernel.
func resolveNames(names []string) error {
	for _, name := range names {
		if _, err := seccomp.GetSyscallFromName(name); err != nil {
			return fmt.Errorf("unknown syscall %q: %w", name, err)
		}
	}
	return nil
}

func checkProfile(path string, verbose bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read profile: %w", err)
	}
	var profile dockerProfile
	if err := json.Unmarshal(data, &profile); err != nil {
		return fmt.Errorf("parse profile: %w", err)
	}
	if _, err := parseAction(profile.DefaultAction); err != nil {
		return err
	}
	total := 0
	for _, group := range profile.Syscalls {
		if _, err := parseAction(group.Action); err != nil {
			return err
		}
		if err := resolveNames(group.Names); err != nil {
			return err
		}
		total += len(group.Names)
	}
	if verbose {
		var uts unix.Utsname
		if err := unix.Uname(&uts); err == nil {
			fmt.Printf("kernel: %s\n", unix.ByteSliceToString(uts.Release[:]))
		}
		fmt.Printf("%s: ok (%d syscalls in %d groups)\n", path, total, len(profile.Syscalls))
	}
	return nil
}

func parseAction(action string) (seccomp.ScmpAction, error) {
	switch strings.ToUpper(action) {
	case "SCMP_ACT_ALLOW":
		return seccomp.ActAllow, nil
	case "SCMP_ACT_ERRNO":
		return seccomp.ActErrno, nil
	case "SCMP_ACT_KILL", "SCMP_ACT_KILL_PROCESS":
		return seccomp.ActKillProcess, nil
	default:
		return seccomp.ActKillProcess, fmt.Errorf("unsupported seccomp action: %s", action)
	}
}

func nativeArchitectures() []string {
	arch, err := seccomp.GetNativeArch()
	if err != nil {
		return nil
	}
	switch arch {
	case seccomp.ArchAMD64:
		return []string{"SCMP_ARCH_X86_64", "SCMP_ARCH_X86", "SCMP_ARCH_X32"}
	case seccomp.ArchARM64:
		return []string{"SCMP_ARCH_AARCH64", "SCMP_ARCH_ARM"}
	default:
		return []string{"SCMP_ARCH_" + strings.ToUpper(arch.String())}
	}
}

func dedupe(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}
