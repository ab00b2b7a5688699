package flow

import (
	"fmt"
	"time"

	"github.com/utafrali/checkoutflow/internal/address"
	"github.com/utafrali/checkoutflow/internal/domain"
	apperrors "github.com/utafrali/checkoutflow/pkg/errors"
)

// PaymentChecker decides whether the payment step of a session is satisfied.
type PaymentChecker interface {
	Ready(s *domain.CheckoutSession) (bool, map[string]string)
}

// Machine owns step navigation. Step validity is always derived from the
// session's current data and never trusted from a stored status.
type Machine struct {
	addresses *address.Validator
	payments  PaymentChecker
	observe   func(from, to domain.Step)
	now       func() time.Time
}

// Option configures a Machine.
type Option func(*Machine)

// WithTransitionObserver registers fn to be called on every step change.
func WithTransitionObserver(fn func(from, to domain.Step)) Option {
	return func(m *Machine) { m.observe = fn }
}

// NewMachine creates a step machine.
func NewMachine(addresses *address.Validator, payments PaymentChecker, opts ...Option) *Machine {
	m := &Machine{
		addresses: addresses,
		payments:  payments,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type result struct {
	status domain.StepStatus
	errors map[string]string
}

func incomplete(field, msg string) result {
	return result{status: domain.StepIncomplete, errors: map[string]string{field: msg}}
}

func (m *Machine) check(s *domain.CheckoutSession, step domain.Step, prior map[domain.Step]domain.StepStatus) result {
	switch step {
	case domain.StepAddress:
		return m.checkAddress(s.ShippingAddress, "shipping_address")

	case domain.StepShipping:
		if s.ShippingMethod == nil {
			return incomplete("shipping_method", "is required")
		}
		for _, opt := range s.ShippingOptions {
			if opt.ID == s.ShippingMethod.ID {
				return result{status: domain.StepValid}
			}
		}
		return result{status: domain.StepInvalid, errors: map[string]string{"shipping_method": "is not available for this address"}}

	case domain.StepBilling:
		if s.BillingSameAsShipping {
			return m.checkAddress(s.ShippingAddress, "billing_address")
		}
		return m.checkAddress(s.BillingAddress, "billing_address")

	case domain.StepPayment:
		ok, fields := m.payments.Ready(s)
		switch {
		case ok:
			return result{status: domain.StepValid}
		case s.Payment == nil:
			return result{status: domain.StepIncomplete, errors: fields}
		default:
			return result{status: domain.StepInvalid, errors: fields}
		}

	case domain.StepReview:
		if len(s.Items) == 0 {
			return result{status: domain.StepInvalid, errors: map[string]string{"items": "cart is empty"}}
		}
		for _, prev := range domain.InputSteps[:step.Index()] {
			if prior[prev] != domain.StepValid {
				return incomplete(string(prev), "must be completed first")
			}
		}
		return result{status: domain.StepValid}
	}
	return result{status: domain.StepIncomplete}
}

func (m *Machine) checkAddress(addr *domain.Address, field string) result {
	if addr == nil || addr.IsZero() {
		return incomplete(field, "is required")
	}
	res := m.addresses.Validate(*addr)
	if res.Valid {
		return result{status: domain.StepValid}
	}
	return result{status: domain.StepInvalid, errors: res.FieldErrors}
}

// Evaluate re-runs every step predicate, stores statuses and field errors on
// the session, and rewinds the current step to the earliest earlier step
// that is no longer valid.
func (m *Machine) Evaluate(s *domain.CheckoutSession) {
	statuses := make(map[domain.Step]domain.StepStatus, len(domain.InputSteps))
	var errs map[domain.Step]map[string]string

	for _, step := range domain.InputSteps {
		r := m.check(s, step, statuses)
		statuses[step] = r.status
		if len(r.errors) > 0 && (r.status == domain.StepInvalid || step == s.CurrentStep) {
			if errs == nil {
				errs = make(map[domain.Step]map[string]string)
			}
			errs[step] = r.errors
		}
	}
	if s.Submitting() {
		statuses[domain.StepReview] = domain.StepInFlight
	}
	s.StepStatus = statuses
	s.StepErrors = errs

	if !s.CurrentStep.IsInput() {
		return
	}
	for _, step := range domain.InputSteps[:s.CurrentStep.Index()] {
		if statuses[step] != domain.StepValid {
			m.move(s, step)
			return
		}
	}
}

// Mutable rejects changes while a submission is in flight or once the
// session has ended.
func (m *Machine) Mutable(s *domain.CheckoutSession) error {
	if s.Submitting() {
		return apperrors.Consistency("checkout is being submitted")
	}
	if s.IsTerminal() {
		return apperrors.Consistency(fmt.Sprintf("checkout is already %s", s.Status))
	}
	return nil
}

// Next advances one step if the current step is valid right now.
func (m *Machine) Next(s *domain.CheckoutSession) error {
	if err := m.Mutable(s); err != nil {
		return err
	}
	m.Evaluate(s)

	cur := s.CurrentStep
	if cur == domain.StepReview {
		return apperrors.Consistency("review is the last step; submit the order instead")
	}
	if s.StepStatus[cur] != domain.StepValid {
		return apperrors.Validation(string(cur), m.fieldErrors(s, cur))
	}
	m.move(s, domain.InputSteps[cur.Index()+1])
	return nil
}

// Back moves to the previous step. It is a no-op on the first step.
func (m *Machine) Back(s *domain.CheckoutSession) error {
	if err := m.Mutable(s); err != nil {
		return err
	}
	if i := s.CurrentStep.Index(); i > 0 {
		m.move(s, domain.InputSteps[i-1])
	}
	m.Evaluate(s)
	return nil
}

// GoTo jumps to target. Moving backwards is always allowed; moving forwards
// requires every step in between to be valid.
func (m *Machine) GoTo(s *domain.CheckoutSession, target domain.Step) error {
	if err := m.Mutable(s); err != nil {
		return err
	}
	if !target.IsInput() {
		return apperrors.InvalidInput(fmt.Sprintf("cannot navigate to step %q", target))
	}
	m.Evaluate(s)

	cur := s.CurrentStep
	if target.Index() <= cur.Index() {
		m.move(s, target)
		return nil
	}
	for _, step := range domain.InputSteps[cur.Index():target.Index()] {
		if s.StepStatus[step] != domain.StepValid {
			return apperrors.Validation(string(step), m.fieldErrors(s, step))
		}
	}
	m.move(s, target)
	return nil
}

// BeginSubmission locks the session for submission. It only succeeds from
// review with every earlier step valid, and never twice.
func (m *Machine) BeginSubmission(s *domain.CheckoutSession) error {
	if s.Submitting() {
		return apperrors.Consistency("a submission is already in progress")
	}
	if s.IsTerminal() {
		return apperrors.Consistency(fmt.Sprintf("checkout is already %s", s.Status))
	}
	m.Evaluate(s)

	for _, step := range domain.InputSteps {
		if s.StepStatus[step] != domain.StepValid {
			return apperrors.Validation(string(step), m.fieldErrors(s, step))
		}
	}
	if s.CurrentStep != domain.StepReview {
		return apperrors.Consistency("checkout must be on the review step to submit")
	}

	s.Failure = nil
	m.move(s, domain.StepSubmitting)
	s.StepStatus[domain.StepReview] = domain.StepInFlight
	return nil
}

// CompleteSubmission settles an in-flight submission. A nil failure completes
// the checkout; otherwise the session returns to review with the failure
// attached and all entered data kept.
func (m *Machine) CompleteSubmission(s *domain.CheckoutSession, failure *domain.Failure) error {
	if !s.Submitting() {
		return apperrors.Consistency("no submission is in progress")
	}
	if failure == nil {
		m.move(s, domain.StepSuccess)
		s.Status = domain.StatusCompleted
		s.StepStatus[domain.StepReview] = domain.StepValid
		return nil
	}

	if failure.OccurredAt.IsZero() {
		failure.OccurredAt = m.now()
	}
	s.Failure = failure
	m.move(s, domain.StepFailed)
	m.move(s, domain.StepReview)
	m.Evaluate(s)
	return nil
}

func (m *Machine) move(s *domain.CheckoutSession, to domain.Step) {
	from := s.CurrentStep
	if from == to {
		return
	}
	s.CurrentStep = to
	if m.observe != nil {
		m.observe(from, to)
	}
}

func (m *Machine) fieldErrors(s *domain.CheckoutSession, step domain.Step) map[string]string {
	if errs := s.StepErrors[step]; len(errs) > 0 {
		return errs
	}
	return m.check(s, step, s.StepStatus).errors
}
