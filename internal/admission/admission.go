// Package admission implements the connect/publish/play gate in front of
// the RTMP connection service: refer-rule checks, vhost existence, and
// publish-allowed policy, grounded on internal/config.Vhost.
package admission

import (
	"fmt"
	"strings"

	"github.com/alxayo/rtmpcore/internal/config"
	rerrors "github.com/alxayo/rtmpcore/internal/errors"
)

// Checker gates connect/publish/play requests against a vhost's config.
type Checker struct {
	cfg *config.Config
}

// NewChecker creates a Checker backed by cfg.
func NewChecker(cfg *config.Config) *Checker {
	return &Checker{cfg: cfg}
}

// Admit checks whether app may be served on vhostName given referer, per
// the vhost's refer-rule and existence policy. An unknown vhost name falls
// back to the default vhost, matching config.Config.VhostFor.
func (c *Checker) Admit(vhostName, app, referer string) error {
	vhost := c.cfg.VhostFor(vhostName)
	if vhost == nil {
		return rerrors.NewAdmissionError("connect", fmt.Sprintf("unknown vhost %q", vhostName))
	}
	if vhost.Refer == "" {
		return nil
	}
	if referer == "" {
		return rerrors.NewAdmissionError("connect", "referer required but absent")
	}
	if !referMatches(vhost.Refer, referer) {
		return rerrors.NewAdmissionError("connect", fmt.Sprintf("referer %q does not match refer rule %q", referer, vhost.Refer))
	}
	return nil
}

// AdmitPublish checks whether a publish on vhostName/app is allowed by
// policy, independent of refer rules.
func (c *Checker) AdmitPublish(vhostName, app string) error {
	vhost := c.cfg.VhostFor(vhostName)
	if vhost == nil {
		return rerrors.NewAdmissionError("publish", fmt.Sprintf("unknown vhost %q", vhostName))
	}
	if !vhost.PublishAllowed() {
		return rerrors.NewAdmissionError("publish", fmt.Sprintf("publish not allowed on app %q", app))
	}
	return nil
}

// AdmitPublishWithToken runs AdmitPublish, then, when the vhost names edge
// origin servers, also requires a successful token-traverse against one of
// them before the publish is allowed. Vhosts with no origin servers skip
// the traverse step entirely (they are not in edge mode).
func (c *Checker) AdmitPublishWithToken(vhostName, app, streamKey, token string) error {
	if err := c.AdmitPublish(vhostName, app); err != nil {
		return err
	}
	vhost := c.cfg.VhostFor(vhostName)
	if vhost == nil || len(vhost.OriginServers) == 0 {
		return nil
	}
	return NewEdgeAuth(vhost.OriginServers).Traverse(app, streamKey, token)
}

// referMatches reports whether referer satisfies rule. rule is a
// comma-separated allowlist of domains; an entry matches when it appears
// anywhere in the referer string (a substring test, not a suffix test on
// the host); a bare "*" allows anything.
func referMatches(rule, referer string) bool {
	for _, domain := range strings.Split(rule, ",") {
		domain = strings.TrimSpace(domain)
		if domain == "" {
			continue
		}
		if domain == "*" {
			return true
		}
		if strings.Contains(referer, domain) {
			return true
		}
	}
	return false
}
