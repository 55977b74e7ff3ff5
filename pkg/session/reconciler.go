package session

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/tomaslejdung/roomcast/pkg/signalstore"
)

// Reconciler continuously aligns the local session with the room's
// authoritative streaming status: it joins streams started elsewhere,
// stops viewing when the stream ends, and force-stops a local streamer
// the shared store no longer recognizes. The shared store always wins
// over local streamer belief; a dropped status write is not re-asserted.
type Reconciler struct {
	ctrl  *Controller
	grace time.Duration

	mu    sync.Mutex
	unsub signalstore.Unsubscribe
}

// NewReconciler creates a reconciler for the given controller.
func NewReconciler(ctrl *Controller) *Reconciler {
	return &Reconciler{ctrl: ctrl, grace: GraceDelay}
}

// Run subscribes to the room status and evaluates the reconciliation rules
// on the initial snapshot and on every subsequent change.
func (r *Reconciler) Run(ctx context.Context) error {
	unsub, err := r.ctrl.cfg.Status.SubscribeStatus(ctx, r.ctrl.roomID, r.observe)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.unsub = unsub
	r.mu.Unlock()
	return nil
}

// Stop cancels the status subscription. Safe to call repeatedly.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	unsub := r.unsub
	r.unsub = nil
	r.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (r *Reconciler) observe(status signalstore.RoomStatus, err error) {
	ctrl := r.ctrl
	if err != nil {
		// Best-effort stop: with the status unobservable, an Active
		// session cannot be reconciled and must not outlive the error.
		if ctrl.Role() != RoleNone && ctrl.Phase() == PhaseActive {
			ctrl.notify(LevelError, "Lost sight of the room's stream status. Stopping.")
			r.after(func() {
				if ctrl.Role() != RoleNone {
					r.stopCurrent()
				}
			})
		}
		return
	}

	role := ctrl.Role()
	transitioning := ctrl.IsTransitioning()
	self := ctrl.cfg.UserID

	switch {
	case status.IsStreaming && status.StreamerID != "" && status.StreamerID != self &&
		role == RoleNone && !transitioning:
		// Someone else is streaming and we are free: join as viewer.
		name := status.StreamerName
		if name == "" {
			name = "someone"
		}
		ctrl.notify(LevelInfo, "Stream active in this room by "+name+". Joining as viewer...")
		streamerID := status.StreamerID
		go func() {
			if err := ctrl.JoinAsViewer(context.Background(), streamerID); err != nil {
				log.Printf("Reconciler join failed: %v", err)
			}
		}()

	case !status.IsStreaming && role == RoleViewer:
		// The stream ended under us; wait out the grace delay in case
		// this was a transient write.
		r.after(func() {
			if ctrl.Role() != RoleViewer {
				return
			}
			ctrl.notify(LevelInfo, "The stream has ended.")
			if err := ctrl.StopViewing(context.Background()); err != nil {
				log.Printf("Reconciler stop viewing failed: %v", err)
			}
		})

	case role == RoleStreamer && !transitioning &&
		(!status.IsStreaming || status.StreamerID != self):
		// The shared store no longer names us as the streamer. The store
		// is the truth; force the local session down.
		r.after(func() {
			if ctrl.Role() != RoleStreamer || ctrl.IsTransitioning() {
				return
			}
			ctrl.notify(LevelInfo, "Your stream has ended or was disconnected.")
			if err := ctrl.StopStreaming(context.Background()); err != nil {
				log.Printf("Reconciler forced stop failed: %v", err)
			}
		})
	}
}

func (r *Reconciler) after(fn func()) {
	time.AfterFunc(r.grace, fn)
}

func (r *Reconciler) stopCurrent() {
	ctrl := r.ctrl
	switch ctrl.Role() {
	case RoleStreamer:
		if err := ctrl.StopStreaming(context.Background()); err != nil {
			log.Printf("Reconciler best-effort stop failed: %v", err)
		}
	case RoleViewer:
		if err := ctrl.StopViewing(context.Background()); err != nil {
			log.Printf("Reconciler best-effort stop failed: %v", err)
		}
	}
}
