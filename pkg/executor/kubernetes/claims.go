// Package kubernetes hands out sandbox servers backed by agent-sandbox
// SandboxClaims, one claim per task run.
package kubernetes

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
	"sigs.k8s.io/controller-runtime/pkg/client"
	ctrlconfig "sigs.k8s.io/controller-runtime/pkg/client/config"

	sandboxv1alpha1 "sigs.k8s.io/agent-sandbox/api/v1alpha1"
	extensionsv1alpha1 "sigs.k8s.io/agent-sandbox/extensions/api/v1alpha1"

	"github.com/rhuss/taskrun/pkg/executor"
)

var _ executor.SandboxAcquirer = (*ClaimAcquirer)(nil)

const (
	managedByLabel = "app.kubernetes.io/managed-by"
	managedByValue = "taskrun"
)

// Config configures a ClaimAcquirer.
type Config struct {
	Template  string
	Namespace string

	// ReadyTimeout bounds the wait for the claimed Sandbox. Defaults to 60s.
	ReadyTimeout time.Duration

	// PollInterval defaults to 500ms.
	PollInterval time.Duration

	// Port the sandbox server listens on. Defaults to 8080.
	Port int
}

// ClaimAcquirer creates a SandboxClaim per Acquire call and resolves the
// claimed Sandbox's service address once it reports Ready.
type ClaimAcquirer struct {
	client client.Client
	cfg    Config
}

// NewClaimAcquirer creates a ClaimAcquirer.
func NewClaimAcquirer(c client.Client, cfg Config) *ClaimAcquirer {
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 60 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	return &ClaimAcquirer{client: c, cfg: cfg}
}

// NewScheme returns a scheme with the agent-sandbox types registered.
func NewScheme() (*runtime.Scheme, error) {
	scheme := runtime.NewScheme()
	if err := sandboxv1alpha1.AddToScheme(scheme); err != nil {
		return nil, fmt.Errorf("register sandbox types: %w", err)
	}
	if err := extensionsv1alpha1.AddToScheme(scheme); err != nil {
		return nil, fmt.Errorf("register sandbox extension types: %w", err)
	}
	return scheme, nil
}

// NewFromEnvironment builds a ClaimAcquirer with a client from the
// in-cluster config or the local kubeconfig.
func NewFromEnvironment(cfg Config) (*ClaimAcquirer, error) {
	restCfg, err := ctrlconfig.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("loading kubernetes config: %w", err)
	}
	scheme, err := NewScheme()
	if err != nil {
		return nil, err
	}
	c, err := client.New(restCfg, client.Options{Scheme: scheme})
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes client: %w", err)
	}
	return NewClaimAcquirer(c, cfg), nil
}

// Acquire implements executor.SandboxAcquirer. The release function
// deletes the claim.
func (a *ClaimAcquirer) Acquire(ctx context.Context) (string, func(), error) {
	name := claimName()

	claim := &extensionsv1alpha1.SandboxClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: a.cfg.Namespace,
			Labels:    map[string]string{managedByLabel: managedByValue},
		},
		Spec: extensionsv1alpha1.SandboxClaimSpec{
			TemplateRef: extensionsv1alpha1.SandboxTemplateRef{Name: a.cfg.Template},
		},
	}
	if err := a.client.Create(ctx, claim); err != nil {
		return "", nil, fmt.Errorf("creating sandbox claim %s/%s: %w", a.cfg.Namespace, name, err)
	}
	slog.Debug("sandbox claim created", "claim", name, "namespace", a.cfg.Namespace, "template", a.cfg.Template)

	fqdn, err := a.awaitSandbox(ctx, name)
	if err != nil {
		a.release(name)
		return "", nil, err
	}

	url := fmt.Sprintf("http://%s:%d", fqdn, a.cfg.Port)
	slog.Debug("sandbox ready", "claim", name, "url", url)
	return url, func() { a.release(name) }, nil
}

// awaitSandbox polls the Sandbox named after the claim until it is Ready
// and has a service address.
func (a *ClaimAcquirer) awaitSandbox(ctx context.Context, name string) (string, error) {
	key := types.NamespacedName{Name: name, Namespace: a.cfg.Namespace}
	var fqdn string

	err := wait.PollUntilContextTimeout(ctx, a.cfg.PollInterval, a.cfg.ReadyTimeout, false,
		func(ctx context.Context) (bool, error) {
			sb := &sandboxv1alpha1.Sandbox{}
			if err := a.client.Get(ctx, key, sb); err != nil {
				// The controller may not have created it yet.
				return false, nil
			}
			if !isReady(sb) || sb.Status.ServiceFQDN == "" {
				return false, nil
			}
			fqdn = sb.Status.ServiceFQDN
			return true, nil
		})
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("waiting for sandbox %s: %w", name, ctx.Err())
		}
		return "", fmt.Errorf("sandbox %s not ready after %s: %w", name, a.cfg.ReadyTimeout, err)
	}
	return fqdn, nil
}

func isReady(sb *sandboxv1alpha1.Sandbox) bool {
	for _, c := range sb.Status.Conditions {
		if c.Type == string(sandboxv1alpha1.SandboxConditionReady) && c.Status == metav1.ConditionTrue {
			return true
		}
	}
	return false
}

// release runs on a fresh context; the request context may already be
// cancelled.
func (a *ClaimAcquirer) release(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	claim := &extensionsv1alpha1.SandboxClaim{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: a.cfg.Namespace},
	}
	if err := a.client.Delete(ctx, claim); client.IgnoreNotFound(err) != nil {
		slog.Warn("deleting sandbox claim failed", "claim", name, "namespace", a.cfg.Namespace, "error", err)
		return
	}
	slog.Debug("sandbox claim deleted", "claim", name)
}

// claimName is swapped in tests.
var claimName = func() string {
	return "taskrun-" + uuid.NewString()[:18]
}
