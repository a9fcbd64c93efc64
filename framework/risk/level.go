// Package risk реализует шлюз валидации на основе рисков: детерминированную
// оценку действий по декларативной политике и бизнес-правила плана.
package risk

import (
	"fmt"
	"strings"
)

// Level уровень риска; порядок значений совпадает с порядком серьезности
type Level int

const (
	LevelLow Level = iota
	LevelMedium
	LevelHigh
	LevelCritical
)

var levelNames = [...]string{"low", "medium", "high", "critical"}

// String возвращает имя уровня
func (l Level) String() string {
	if l < LevelLow || l > LevelCritical {
		return fmt.Sprintf("level(%d)", int(l))
	}
	return levelNames[l]
}

// ParseLevel разбирает имя уровня
func ParseLevel(s string) (Level, error) {
	for i, name := range levelNames {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return Level(i), nil
		}
	}
	return LevelLow, fmt.Errorf("unknown risk level %q", s)
}

// MarshalText реализует encoding.TextMarshaler
func (l Level) MarshalText() ([]byte, error) {
	if l < LevelLow || l > LevelCritical {
		return nil, fmt.Errorf("invalid risk level %d", int(l))
	}
	return []byte(l.String()), nil
}

// UnmarshalText реализует encoding.TextUnmarshaler
func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// AtLeast проверяет, что уровень не ниже other
func (l Level) AtLeast(other Level) bool {
	return l >= other
}

// MaxLevel возвращает наибольший уровень; для пустого списка LevelLow
func MaxLevel(levels ...Level) Level {
	max := LevelLow
	for _, l := range levels {
		if l > max {
			max = l
		}
	}
	return max
}
