package arena

import (
	"time"

	"github.com/pkg/errors"
)

// Point is a block position on the horizontal plane.
type Point struct {
	X, Z int
}

// Add returns p moved by d.
func (p Point) Add(d Point) Point {
	return Point{X: p.X + d.X, Z: p.Z + d.Z}
}

// Manhattan returns the grid distance between p and q.
func (p Point) Manhattan(q Point) int {
	return abs(p.X-q.X) + abs(p.Z-q.Z)
}

// heading returns the unit step for a yaw: 0 faces +z, 90 faces -x,
// 180 faces -z and 270 faces +x.
func heading(yaw int) Point {
	switch ((yaw % 360) + 360) % 360 {
	case 0:
		return Point{Z: 1}
	case 90:
		return Point{X: -1}
	case 180:
		return Point{Z: -1}
	default:
		return Point{X: 1}
	}
}

// Arena block names as reported in the observation grid.
const (
	WallBlock  = "cobblestone_wall"
	FloorBlock = "grass"
	AirBlock   = "air"
)

// Rewards reported by the arena.
const (
	HitReward     = 100
	TimeUpReward  = -100
	DeathReward   = -1000
	startingLife  = 20
	defaultHealth = 20
)

// Config describes one arena mission.
type Config struct {
	// HalfSize places the fence at |x| == HalfSize or |z| == HalfSize.
	HalfSize     int     `mapstructure:"half_size" yaml:"half_size"`
	ViewSize     int     `mapstructure:"view_size" yaml:"view_size"`
	Zombies      int     `mapstructure:"zombies" yaml:"zombies"`
	ZombieHealth float64 `mapstructure:"zombie_health" yaml:"zombie_health"`
	AttackDamage float64 `mapstructure:"attack_damage" yaml:"attack_damage"`
	ZombieDamage float64 `mapstructure:"zombie_damage" yaml:"zombie_damage"`
	// ZombieAggression is the chance per tick that an adjacent zombie hits.
	ZombieAggression float64 `mapstructure:"zombie_aggression" yaml:"zombie_aggression"`

	TimeLimit           time.Duration `mapstructure:"time_limit" yaml:"time_limit"`
	StartDelay          time.Duration `mapstructure:"start_delay" yaml:"start_delay"`
	Lag                 time.Duration `mapstructure:"lag" yaml:"lag"`
	TickInterval        time.Duration `mapstructure:"tick_interval" yaml:"tick_interval"`
	ObservationInterval time.Duration `mapstructure:"observation_interval" yaml:"observation_interval"`
}

// DefaultConfig mirrors the zombie mission: a 33x33 fenced arena, four
// zombies and a fifteen second time limit.
func DefaultConfig() Config {
	return Config{
		HalfSize:            16,
		ViewSize:            5,
		Zombies:             4,
		ZombieHealth:        defaultHealth,
		AttackDamage:        5,
		ZombieDamage:        2,
		ZombieAggression:    0.3,
		TimeLimit:           15 * time.Second,
		StartDelay:          500 * time.Millisecond,
		Lag:                 100 * time.Millisecond,
		TickInterval:        500 * time.Millisecond,
		ObservationInterval: 50 * time.Millisecond,
	}
}

// Validate checks that a mission can be built from c.
func (c Config) Validate() error {
	switch {
	case c.HalfSize < 2:
		return errors.Errorf("arena half size must be at least 2, got %d", c.HalfSize)
	case c.ViewSize < 3 || c.ViewSize%2 == 0:
		return errors.Errorf("arena view size must be odd and at least 3, got %d", c.ViewSize)
	case c.Zombies < 0:
		return errors.Errorf("zombie count cannot be negative, got %d", c.Zombies)
	case c.Zombies >= (2*c.HalfSize-1)*(2*c.HalfSize-1):
		return errors.Errorf("%d zombies do not fit in the arena", c.Zombies)
	case c.ZombieHealth <= 0 || c.AttackDamage <= 0:
		return errors.New("zombie health and attack damage must be positive")
	case c.TimeLimit <= 0 || c.TickInterval <= 0:
		return errors.New("time limit and tick interval must be positive")
	}
	return nil
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
