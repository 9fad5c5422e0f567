package arena

import (
	"golang.org/x/exp/rand"

	"zombie-dqn/env"
)

type zombie struct {
	pos    Point
	health float64
}

// world is the block and entity state of one mission.
type world struct {
	cfg    Config
	rng    *rand.Rand
	broken map[Point]bool // fence cells whose feet-level block was removed

	agent       Point
	yaw         int
	life        float64
	damageTaken float64
	zombies     []*zombie
}

// outcome is what applying a command or a tick did to the mission.
type outcome struct {
	rewards []float64
	ended   bool
	reason  string
}

func newWorld(cfg Config, rng *rand.Rand) *world {
	w := &world{
		cfg:    cfg,
		rng:    rng,
		broken: make(map[Point]bool),
		life:   startingLife,
	}
	for i := 0; i < cfg.Zombies; i++ {
		w.zombies = append(w.zombies, &zombie{pos: w.spawnPosition(), health: cfg.ZombieHealth})
	}
	return w
}

// spawnPosition draws free interior cells until one is found.
func (w *world) spawnPosition() Point {
	inner := w.cfg.HalfSize - 1
	for {
		p := Point{
			X: w.rng.Intn(2*inner+1) - inner,
			Z: w.rng.Intn(2*inner+1) - inner,
		}
		if p != w.agent && w.zombieAt(p) == nil {
			return p
		}
	}
}

func (w *world) isFence(p Point) bool {
	h := w.cfg.HalfSize
	onEdge := abs(p.X) == h || abs(p.Z) == h
	return onEdge && abs(p.X) <= h && abs(p.Z) <= h
}

func (w *world) isInterior(p Point) bool {
	return abs(p.X) < w.cfg.HalfSize && abs(p.Z) < w.cfg.HalfSize
}

// block returns the block name at a cell. Layer 0 is the floor level and
// layer 1 the agent's feet.
func (w *world) block(layer int, p Point) string {
	if !w.isFence(p) {
		if layer == 0 {
			return FloorBlock
		}
		return AirBlock
	}
	if layer == 1 && w.broken[p] {
		return AirBlock
	}
	return WallBlock
}

func (w *world) zombieAt(p Point) *zombie {
	for _, z := range w.zombies {
		if z.pos == p {
			return z
		}
	}
	return nil
}

func (w *world) removeZombie(target *zombie) {
	for i, z := range w.zombies {
		if z == target {
			w.zombies[i] = w.zombies[len(w.zombies)-1]
			w.zombies = w.zombies[:len(w.zombies)-1]
			return
		}
	}
}

// apply executes one command.
func (w *world) apply(a env.Action) outcome {
	ahead := w.agent.Add(heading(w.yaw))
	switch a {
	case env.Forward:
		if w.block(1, ahead) == WallBlock || w.zombieAt(ahead) != nil {
			return outcome{}
		}
		w.agent = ahead
		if w.isFence(ahead) {
			return outcome{ended: true, reason: "agent left the arena"}
		}
	case env.TurnRight:
		w.yaw = (w.yaw + 90) % 360
	case env.TurnLeft:
		w.yaw = (w.yaw + 270) % 360
	case env.Attack:
		if z := w.zombieAt(ahead); z != nil {
			z.health -= w.cfg.AttackDamage
			if z.health <= 0 {
				w.removeZombie(z)
			}
			return outcome{rewards: []float64{HitReward}}
		}
		if w.isFence(ahead) {
			w.broken[ahead] = true
		}
	}
	return outcome{}
}

// tick lets zombies next to the agent strike and moves the others one step.
func (w *world) tick() outcome {
	for _, z := range w.zombies {
		if z.pos.Manhattan(w.agent) != 1 {
			next := z.pos.Add(w.zombieStep(z.pos))
			if w.isInterior(next) && next != w.agent && w.zombieAt(next) == nil {
				z.pos = next
			}
			continue
		}
		if w.rng.Float64() < w.cfg.ZombieAggression {
			w.life -= w.cfg.ZombieDamage
			w.damageTaken += w.cfg.ZombieDamage
			if w.life <= 0 {
				return outcome{rewards: []float64{DeathReward}, ended: true, reason: "agent died"}
			}
		}
	}
	return outcome{}
}

// zombieStep chases the agent half of the time and wanders otherwise.
func (w *world) zombieStep(from Point) Point {
	if w.rng.Float64() < 0.5 {
		dx, dz := w.agent.X-from.X, w.agent.Z-from.Z
		if abs(dx) >= abs(dz) && dx != 0 {
			return Point{X: sign(dx)}
		}
		if dz != 0 {
			return Point{Z: sign(dz)}
		}
	}
	return heading(90 * w.rng.Intn(4))
}

func sign(x int) int {
	if x < 0 {
		return -1
	}
	return 1
}
