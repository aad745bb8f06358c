package kernel

import (
	"errors"
	"sync/atomic"
)

// ContextOptions collects the immutable inputs for a Context. Changes made
// after the context has been created are not reflected on it.
type ContextOptions struct {
	chainParams   *ChainParameters
	notifications *Notifications
	validation    *ValidationCallbacks
}

func NewContextOptions() *ContextOptions {
	return &ContextOptions{}
}

// SetChainParams sets the chain parameters used by contexts created from
// these options.
func (o *ContextOptions) SetChainParams(params *ChainParameters) {
	o.chainParams = params
}

// SetNotifications registers the notification callbacks invoked by managers
// created under the context.
func (o *ContextOptions) SetNotifications(n *Notifications) {
	o.notifications = n
}

// SetValidationCallbacks registers the validation interface callbacks.
func (o *ContextOptions) SetValidationCallbacks(v *ValidationCallbacks) {
	o.validation = v
}

// Context holds chain parameters and the callbacks for validation and
// notification events. A context may be shared by multiple managers; the
// interrupt flag is observed by all of them.
type Context struct {
	chainParams   *ChainParameters
	notifications *Notifications
	validation    *ValidationCallbacks

	interrupted atomic.Bool
}

// NewContext creates a context from options. Chain parameters default to
// mainnet when unset.
func NewContext(opts *ContextOptions) (*Context, error) {
	if opts == nil {
		return nil, errors.New("nil context options")
	}
	params := opts.chainParams
	if params == nil {
		var err error
		params, err = NewChainParameters(ChainTypeMainnet)
		if err != nil {
			return nil, err
		}
	}
	return &Context{
		chainParams:   params,
		notifications: opts.notifications,
		validation:    opts.validation,
	}, nil
}

func (c *Context) ChainParams() *ChainParameters { return c.chainParams }

// Interrupt requests early termination of long-running validation, import
// or reindex calls issued under this context. Best effort: the flag is
// checked at block and transaction boundaries, and partial state is not
// rolled back.
func (c *Context) Interrupt() {
	c.interrupted.Store(true)
}

// ResetInterrupt clears a previous interrupt request.
func (c *Context) ResetInterrupt() {
	c.interrupted.Store(false)
}

func (c *Context) isInterrupted() bool {
	return c.interrupted.Load()
}

func (c *Context) notify(fn func(*Notifications)) {
	if c.notifications != nil {
		fn(c.notifications)
	}
}
