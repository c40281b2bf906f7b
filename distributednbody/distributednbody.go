package distributednbody

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl64"
)

// G is Newton's gravitational constant in m³/(kg·s²).
const G = 6.67430e-11

// WorkerContext identifies one worker in the SPMD group.
type WorkerContext struct {
	Rank        int
	WorkerCount int
}

// IsCoordinator reports whether this worker owns the canonical simulation state.
func (wc WorkerContext) IsCoordinator() bool {
	return wc.Rank == 0
}

// Owns reports whether the body at index belongs to this worker under
// striped partitioning.
func (wc WorkerContext) Owns(index int) bool {
	return index%wc.WorkerCount == wc.Rank
}

// OwnedIndices returns the indices in [0, n) assigned to this worker.
func (wc WorkerContext) OwnedIndices(n int) []int {
	indices := make([]int, 0, n/wc.WorkerCount+1)
	for i := wc.Rank; i < n; i += wc.WorkerCount {
		indices = append(indices, i)
	}
	return indices
}

// Body is one point mass in the system.
type Body struct {
	Position mgl64.Vec2
	Velocity mgl64.Vec2
	Mass     float64
}

// SimConfig holds the externally supplied simulation parameters.
type SimConfig struct {
	NumWorkers int
	TimeStep   float64
	EndTime    float64
}

// Validate checks the configuration before any worker starts.
func (c SimConfig) Validate() error {
	if c.NumWorkers < 1 {
		return fmt.Errorf("worker count must be at least 1, got %d", c.NumWorkers)
	}
	if c.TimeStep <= 0 {
		return fmt.Errorf("time step must be positive, got %g", c.TimeStep)
	}
	if c.EndTime < 0 {
		return fmt.Errorf("end time must be non-negative, got %g", c.EndTime)
	}
	return nil
}

// PartialAccelerations computes the gravitational acceleration of every body
// this worker owns, given the full position and mass arrays. Entries for
// bodies owned by other workers are left zero. A pair at identical positions
// contributes no force.
func PartialAccelerations(positions []mgl64.Vec2, masses []float64, wc WorkerContext) []mgl64.Vec2 {
	accelerations := make([]mgl64.Vec2, len(positions))

	for i := wc.Rank; i < len(positions); i += wc.WorkerCount {
		var acc mgl64.Vec2
		for j := range positions {
			if j == i {
				continue
			}
			delta := positions[j].Sub(positions[i])
			r := delta.Len()
			if r == 0 {
				continue
			}
			acc = acc.Add(delta.Mul(G * masses[j] / (r * r * r)))
		}
		accelerations[i] = acc
	}

	return accelerations
}

// barrier is a reusable rendezvous point for a fixed number of workers.
type barrier struct {
	mu      sync.Mutex
	cond    *sync.Cond
	parties int
	waiting int
	round   int
}

func newBarrier(parties int) *barrier {
	b := &barrier{parties: parties}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *barrier) await() {
	b.mu.Lock()
	round := b.round
	b.waiting++
	if b.waiting == b.parties {
		b.waiting = 0
		b.round++
		b.cond.Broadcast()
	} else {
		for round == b.round {
			b.cond.Wait()
		}
	}
	b.mu.Unlock()
}

// Communicator provides blocking collective operations over a fixed group of
// in-process SPMD workers. Every collective must be invoked by all workers
// together; each call suspends its caller until the whole group has arrived.
type Communicator struct {
	workerCount int
	positions   []chan []mgl64.Vec2
	masses      []chan []float64
	reductions  []chan []mgl64.Vec2
	flags       []chan bool
	barrier     *barrier
}

// NewCommunicator creates the channel endpoints for a group of workerCount workers.
func NewCommunicator(workerCount int) *Communicator {
	c := &Communicator{
		workerCount: workerCount,
		positions:   make([]chan []mgl64.Vec2, workerCount),
		masses:      make([]chan []float64, workerCount),
		reductions:  make([]chan []mgl64.Vec2, workerCount),
		flags:       make([]chan bool, workerCount),
		barrier:     newBarrier(workerCount),
	}
	for rank := 0; rank < workerCount; rank++ {
		c.positions[rank] = make(chan []mgl64.Vec2)
		c.masses[rank] = make(chan []float64)
		c.reductions[rank] = make(chan []mgl64.Vec2)
		c.flags[rank] = make(chan bool)
	}
	return c
}

// WorkerCount returns the size of the group.
func (c *Communicator) WorkerCount() int {
	return c.workerCount
}

// BroadcastPositions propagates the coordinator's position array to every
// worker. The coordinator sends copies of buf; every other worker overwrites
// its own buf with the received values, so all replicas are identical when
// the collective completes.
func (c *Communicator) BroadcastPositions(wc WorkerContext, buf []mgl64.Vec2) {
	if wc.IsCoordinator() {
		for rank := 1; rank < c.workerCount; rank++ {
			msg := make([]mgl64.Vec2, len(buf))
			copy(msg, buf)
			c.positions[rank] <- msg
		}
		return
	}
	copy(buf, <-c.positions[wc.Rank])
}

// BroadcastMasses propagates the coordinator's mass array to every worker.
func (c *Communicator) BroadcastMasses(wc WorkerContext, buf []float64) {
	if wc.IsCoordinator() {
		for rank := 1; rank < c.workerCount; rank++ {
			msg := make([]float64, len(buf))
			copy(msg, buf)
			c.masses[rank] <- msg
		}
		return
	}
	copy(buf, <-c.masses[wc.Rank])
}

// BroadcastContinue propagates the coordinator's loop decision to every
// worker and returns it on all ranks. The value passed by non-coordinator
// workers is ignored.
func (c *Communicator) BroadcastContinue(wc WorkerContext, cont bool) bool {
	if wc.IsCoordinator() {
		for rank := 1; rank < c.workerCount; rank++ {
			c.flags[rank] <- cont
		}
		return cont
	}
	return <-c.flags[wc.Rank]
}

// ReduceAccelerations sums the partial acceleration arrays of all workers.
// The coordinator returns the element-wise total; every other worker
// contributes its partial array and returns nil. Contributions are received
// in rank order, so the summation order is deterministic for a fixed group.
func (c *Communicator) ReduceAccelerations(wc WorkerContext, partial []mgl64.Vec2) []mgl64.Vec2 {
	if !wc.IsCoordinator() {
		c.reductions[wc.Rank] <- partial
		return nil
	}

	total := make([]mgl64.Vec2, len(partial))
	copy(total, partial)
	for rank := 1; rank < c.workerCount; rank++ {
		contribution := <-c.reductions[rank]
		for i := range total {
			total[i] = total[i].Add(contribution[i])
		}
	}
	return total
}

// Barrier blocks until every worker in the group has reached it.
func (c *Communicator) Barrier() {
	c.barrier.await()
}

// Frame is the observable result of one completed timestep: the coordinator's
// positions and masses at the current simulation time. Its slices are never
// mutated after publication and must be treated as read-only.
type Frame struct {
	Step      int
	Time      float64
	Positions []mgl64.Vec2
	Masses    []float64
}

// FrameObserver receives a Frame after each completed timestep. OnFrame runs
// on the coordinator between timesteps and must not block.
type FrameObserver interface {
	OnFrame(frame Frame)
}

// Checkpoint captures the coordinator's full canonical state, including
// velocities, so a simulation can be saved and resumed.
type Checkpoint struct {
	Step   int
	Time   float64
	Bodies []Body
}

// Statistics summarizes conserved quantities of the system.
type Statistics struct {
	KineticEnergy   float64
	PotentialEnergy float64
	TotalEnergy     float64
	CenterOfMass    mgl64.Vec2
	TotalMomentum   mgl64.Vec2
}

// Simulator advances an N-body system with a kick-drift-kick leapfrog scheme,
// distributing the pairwise force evaluation across a fixed group of SPMD
// workers. The coordinator (rank 0) owns the canonical positions, velocities
// and masses; all other workers hold broadcast replicas of positions and
// masses only.
type Simulator struct {
	config SimConfig

	positions  []mgl64.Vec2
	velocities []mgl64.Vec2
	masses     []float64

	currentTime float64
	totalSteps  int
	latest      Frame
	elapsed     time.Duration

	observers []FrameObserver
	mutex     sync.RWMutex
}

// NewSimulator validates config and builds a simulator from externally
// generated initial conditions.
func NewSimulator(config SimConfig, bodies []Body) (*Simulator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	s := &Simulator{
		config:     config,
		positions:  make([]mgl64.Vec2, len(bodies)),
		velocities: make([]mgl64.Vec2, len(bodies)),
		masses:     make([]float64, len(bodies)),
	}
	for i, body := range bodies {
		s.positions[i] = body.Position
		s.velocities[i] = body.Velocity
		s.masses[i] = body.Mass
	}
	s.latest = s.makeFrame()
	return s, nil
}

// NewSimulatorFromCheckpoint resumes a simulation from previously saved state.
func NewSimulatorFromCheckpoint(config SimConfig, cp Checkpoint) (*Simulator, error) {
	s, err := NewSimulator(config, cp.Bodies)
	if err != nil {
		return nil, err
	}
	s.currentTime = cp.Time
	s.totalSteps = cp.Step
	s.latest = s.makeFrame()
	return s, nil
}

// AddObserver registers a per-frame observer. Observers added while Run is
// active may miss frames already in flight.
func (s *Simulator) AddObserver(observer FrameObserver) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.observers = append(s.observers, observer)
}

// Snapshot returns the frame of the most recently completed timestep.
func (s *Simulator) Snapshot() Frame {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.latest
}

// Checkpoint returns the coordinator's full state for later resumption.
func (s *Simulator) Checkpoint() Checkpoint {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	bodies := make([]Body, len(s.positions))
	for i := range bodies {
		bodies[i] = Body{
			Position: s.positions[i],
			Velocity: s.velocities[i],
			Mass:     s.masses[i],
		}
	}
	return Checkpoint{Step: s.totalSteps, Time: s.currentTime, Bodies: bodies}
}

// CurrentTime returns the simulation time of the coordinator.
func (s *Simulator) CurrentTime() float64 {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.currentTime
}

// TotalSteps returns the number of completed timesteps.
func (s *Simulator) TotalSteps() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.totalSteps
}

// AverageStepRate returns completed timesteps per wall-clock second across
// all Run calls so far, or zero before any step has completed.
func (s *Simulator) AverageStepRate() float64 {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.elapsed <= 0 {
		return 0
	}
	return float64(s.totalSteps) / s.elapsed.Seconds()
}

// CalculateStatistics computes energies, center of mass and total momentum
// from the coordinator's canonical state.
func (s *Simulator) CalculateStatistics() Statistics {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var stats Statistics
	totalMass := 0.0
	for i := range s.positions {
		m := s.masses[i]
		totalMass += m
		stats.KineticEnergy += 0.5 * m * s.velocities[i].Dot(s.velocities[i])
		stats.CenterOfMass = stats.CenterOfMass.Add(s.positions[i].Mul(m))
		stats.TotalMomentum = stats.TotalMomentum.Add(s.velocities[i].Mul(m))
	}
	if totalMass > 0 {
		stats.CenterOfMass = stats.CenterOfMass.Mul(1 / totalMass)
	}

	for i := 0; i < len(s.positions); i++ {
		for j := i + 1; j < len(s.positions); j++ {
			r := s.positions[j].Sub(s.positions[i]).Len()
			if r > 0 {
				stats.PotentialEnergy -= G * s.masses[i] * s.masses[j] / r
			}
		}
	}

	stats.TotalEnergy = stats.KineticEnergy + stats.PotentialEnergy
	return stats
}

// Run executes the simulation loop until the coordinator's time exceeds
// EndTime or ctx is cancelled. It spawns the full SPMD worker group, so it
// must not be called concurrently with itself; it may be called again to
// continue a run that was cancelled. Cancellation is observed between
// timesteps and propagated to all workers through the continue broadcast.
func (s *Simulator) Run(ctx context.Context) error {
	comm := NewCommunicator(s.config.NumWorkers)
	start := time.Now()

	var wg sync.WaitGroup
	wg.Add(s.config.NumWorkers)
	for rank := 0; rank < s.config.NumWorkers; rank++ {
		wc := WorkerContext{Rank: rank, WorkerCount: s.config.NumWorkers}
		go func(wc WorkerContext) {
			defer wg.Done()
			s.worker(ctx, wc, comm)
		}(wc)
	}
	wg.Wait()

	s.mutex.Lock()
	s.elapsed += time.Since(start)
	s.mutex.Unlock()

	return ctx.Err()
}

// worker is the routine every member of the SPMD group runs. All workers
// execute the identical sequence of collectives and branch on coordinator
// capability for state ownership; any divergence would deadlock the group.
func (s *Simulator) worker(ctx context.Context, wc WorkerContext, comm *Communicator) {
	var positions []mgl64.Vec2
	var masses []float64
	if wc.IsCoordinator() {
		positions = s.positions
		masses = s.masses
	} else {
		positions = make([]mgl64.Vec2, len(s.positions))
		masses = make([]float64, len(s.masses))
	}

	// Initial conditions reach every worker before the first force evaluation.
	comm.BroadcastPositions(wc, positions)
	comm.BroadcastMasses(wc, masses)

	dt := s.config.TimeStep
	for {
		cont := false
		if wc.IsCoordinator() {
			cont = s.CurrentTime() <= s.config.EndTime && ctx.Err() == nil
		}
		if !comm.BroadcastContinue(wc, cont) {
			return
		}

		// First acceleration evaluation at the current positions.
		partial := PartialAccelerations(positions, masses, wc)
		acc := comm.ReduceAccelerations(wc, partial)

		if wc.IsCoordinator() {
			s.kickDrift(acc, dt)
		}

		// Every worker must see the drifted positions before evaluating again.
		comm.BroadcastPositions(wc, positions)
		comm.Barrier()

		// Second acceleration evaluation at the new positions.
		partial = PartialAccelerations(positions, masses, wc)
		acc = comm.ReduceAccelerations(wc, partial)

		if wc.IsCoordinator() {
			s.finishStep(acc, dt)
		}
	}
}

// kickDrift applies the first half-kick and the drift to the canonical state.
func (s *Simulator) kickDrift(acc []mgl64.Vec2, dt float64) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for i := range s.velocities {
		s.velocities[i] = s.velocities[i].Add(acc[i].Mul(0.5 * dt))
		s.positions[i] = s.positions[i].Add(s.velocities[i].Mul(dt))
	}
}

// finishStep applies the second half-kick, advances time and publishes the
// completed frame to observers.
func (s *Simulator) finishStep(acc []mgl64.Vec2, dt float64) {
	s.mutex.Lock()
	for i := range s.velocities {
		s.velocities[i] = s.velocities[i].Add(acc[i].Mul(0.5 * dt))
	}
	s.currentTime += dt
	s.totalSteps++
	s.latest = s.makeFrame()
	frame := s.latest
	observers := make([]FrameObserver, len(s.observers))
	copy(observers, s.observers)
	s.mutex.Unlock()

	for _, observer := range observers {
		observer.OnFrame(frame)
	}
}

// makeFrame copies the coordinator state into a new frame. Callers must hold
// at least a read lock, except during construction.
func (s *Simulator) makeFrame() Frame {
	frame := Frame{
		Step:      s.totalSteps,
		Time:      s.currentTime,
		Positions: make([]mgl64.Vec2, len(s.positions)),
		Masses:    make([]float64, len(s.masses)),
	}
	copy(frame.Positions, s.positions)
	copy(frame.Masses, s.masses)
	return frame
}

// NewRandomCluster generates n bodies with normally distributed positions and
// velocities (scaled by 100) and uniform masses in (0, 1].
func NewRandomCluster(n int, rng *rand.Rand) []Body {
	bodies := make([]Body, n)
	for i := range bodies {
		bodies[i] = Body{
			Position: mgl64.Vec2{rng.NormFloat64() * 100, rng.NormFloat64() * 100},
			Velocity: mgl64.Vec2{rng.NormFloat64() * 100, rng.NormFloat64() * 100},
			Mass:     1 - rng.Float64(),
		}
	}
	return bodies
}

// NewCircularOrbitPair builds a two-body system in mutual circular orbit
// about its center of mass, separated by the given distance. Total momentum
// is zero.
func NewCircularOrbitPair(primaryMass, secondaryMass, separation float64) []Body {
	totalMass := primaryMass + secondaryMass
	omega := math.Sqrt(G * totalMass / (separation * separation * separation))

	r1 := separation * secondaryMass / totalMass
	r2 := separation * primaryMass / totalMass

	return []Body{
		{
			Position: mgl64.Vec2{-r1, 0},
			Velocity: mgl64.Vec2{0, -omega * r1},
			Mass:     primaryMass,
		},
		{
			Position: mgl64.Vec2{r2, 0},
			Velocity: mgl64.Vec2{0, omega * r2},
			Mass:     secondaryMass,
		},
	}
}

// OrbitalPeriod returns the period of a circular two-body orbit with the
// given total mass and separation.
func OrbitalPeriod(totalMass, separation float64) float64 {
	return 2 * math.Pi / math.Sqrt(G*totalMass/(separation*separation*separation))
}
