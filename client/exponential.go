// SPDX-FileCopyrightText: Copyright (C) 2024 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	mRand "math/rand"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/katzenpost/hpqc/rand"

	"github.com/katzenpost/mixclient/core/worker"
)

type opExpNewRate struct {
	lambda   float64
	maxDelay uint64
}

// ExpDist provides a pseudorandom ticker whose inter-arrival times are
// exponentially distributed with rate lambda, per millisecond, and clamped
// to a maximum delay in milliseconds.  A zero lambda stops the ticker.
type ExpDist struct {
	worker.Worker

	clock clockwork.Clock

	lambda   float64
	maxDelay uint64

	opCh  chan opExpNewRate
	outCh chan struct{}
}

// NewExpDist returns an ExpDist with running worker routine.
func NewExpDist(clock clockwork.Clock, lambda float64, maxDelay uint64) *ExpDist {
	e := &ExpDist{
		clock:    clock,
		lambda:   lambda,
		maxDelay: maxDelay,
		opCh:     make(chan opExpNewRate, 1),
		outCh:    make(chan struct{}, 1),
	}
	e.Go(e.worker)
	return e
}

// OutCh returns the channel that receives at the configured rate.
func (e *ExpDist) OutCh() <-chan struct{} {
	return e.outCh
}

// UpdateRate changes the rate and maximum delay, and restarts the current
// interval.
func (e *ExpDist) UpdateRate(lambda float64, maxDelay uint64) {
	select {
	case <-e.HaltCh():
	case e.opCh <- opExpNewRate{lambda: lambda, maxDelay: maxDelay}:
	}
}

func (e *ExpDist) interval(mRng *mRand.Rand) (time.Duration, bool) {
	if e.lambda <= 0 {
		return 0, false
	}
	msec := uint64(rand.Exp(mRng, e.lambda))
	if e.maxDelay != 0 && msec > e.maxDelay {
		msec = e.maxDelay
	}
	return time.Duration(msec) * time.Millisecond, true
}

func (e *ExpDist) worker() {
	mRng := rand.NewMath()

	// A stopped ExpDist holds no timer, so it is never a clock waiter.
	var (
		rateTimer clockwork.Timer
		timerCh   <-chan time.Time
	)
	arm := func() {
		d, ok := e.interval(mRng)
		if !ok {
			timerCh = nil
			return
		}
		if rateTimer == nil {
			rateTimer = e.clock.NewTimer(d)
		} else {
			rateTimer.Reset(d)
		}
		timerCh = rateTimer.Chan()
	}
	defer func() {
		if rateTimer != nil {
			rateTimer.Stop()
		}
	}()

	arm()
	for {
		select {
		case <-e.HaltCh():
			return
		case <-timerCh:
			select {
			case <-e.HaltCh():
				return
			case e.outCh <- struct{}{}:
			}
		case op := <-e.opCh:
			e.lambda = op.lambda
			e.maxDelay = op.maxDelay
			if rateTimer != nil && !rateTimer.Stop() {
				select {
				case <-rateTimer.Chan():
				default:
				}
			}
		}
		arm()
	}
}
