package toolchain

import (
	"github.com/zen-systems/shipgate/pkg/config"
)

// Tools builds invocations for the external collaborators of a pipeline.
type Tools struct {
	bin config.Binaries
}

// New creates a Tools using the configured binaries.
func New(bin config.Binaries) Tools {
	return Tools{bin: bin}
}

// Clone fetches a single branch of url into dir.
func (t Tools) Clone(url, branch, dir string) Invocation {
	return Invocation{
		Tool:    "git",
		Command: []string{t.bin.Git, "clone", "--branch", branch, "--depth", "1", url, dir},
	}
}

// Build builds an image from dockerfile and tags it as ref.
func (t Tools) Build(dockerfile, ref, buildContext, workdir string) Invocation {
	return Invocation{
		Tool:    "docker",
		Command: []string{t.bin.Docker, "build", "-f", dockerfile, "-t", ref, buildContext},
		Workdir: workdir,
	}
}

// Scan runs the vulnerability scanner; any finding at severity exits 1.
func (t Tools) Scan(severity, ref string) Invocation {
	return Invocation{
		Tool:    "trivy",
		Command: []string{t.bin.Scanner, "image", "--exit-code", "1", "--severity", severity, "--no-progress", ref},
	}
}

// Login authenticates against host. The password goes through stdin.
func (t Tools) Login(host, user, password string) Invocation {
	cmd := []string{t.bin.Docker, "login"}
	if host != "" {
		cmd = append(cmd, host)
	}
	cmd = append(cmd, "-u", user, "--password-stdin")
	return Invocation{Tool: "docker", Command: cmd, Stdin: password}
}

// Tag adds dst as a reference to src.
func (t Tools) Tag(src, dst string) Invocation {
	return Invocation{Tool: "docker", Command: []string{t.bin.Docker, "tag", src, dst}}
}

// Push uploads ref to its registry.
func (t Tools) Push(ref string) Invocation {
	return Invocation{Tool: "docker", Command: []string{t.bin.Docker, "push", ref}}
}

// RemoveImages deletes local image references.
func (t Tools) RemoveImages(refs ...string) Invocation {
	return Invocation{Tool: "docker", Command: append([]string{t.bin.Docker, "rmi", "-f"}, refs...)}
}

// Logout drops stored registry credentials for host.
func (t Tools) Logout(host string) Invocation {
	cmd := []string{t.bin.Docker, "logout"}
	if host != "" {
		cmd = append(cmd, host)
	}
	return Invocation{Tool: "docker", Command: cmd}
}

// Apply applies a descriptor to namespace.
func (t Tools) Apply(kubeconfig, descriptor, namespace, workdir string) Invocation {
	cmd := []string{t.bin.Kubectl}
	if kubeconfig != "" {
		cmd = append(cmd, "--kubeconfig", kubeconfig)
	}
	cmd = append(cmd, "apply", "-f", descriptor, "-n", namespace)
	return Invocation{Tool: "kubectl", Command: cmd, Workdir: workdir}
}

// Command wraps an arbitrary argv.
func (t Tools) Command(argv []string, workdir string) Invocation {
	return Invocation{Command: argv, Workdir: workdir}
}
