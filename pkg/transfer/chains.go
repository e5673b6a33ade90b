package transfer

import "github.com/carverauto/fleetreg/pkg/models"

// Terminal chains are archived for operator inspection; the archive is a
// bounded ring.
const chainArchiveLimit = 256

func (m *Manager) storeChain(chain models.CommandChain) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.chains[chain.CommandID] = chain
}

func (m *Manager) updateChain(chain models.CommandChain, status models.CommandStatus) models.CommandChain {
	chain.Status = status
	chain.UpdatedAt = m.clock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if chain.Terminal() {
		delete(m.chains, chain.CommandID)

		m.archive = append(m.archive, chain)
		if len(m.archive) > chainArchiveLimit {
			m.archive = m.archive[len(m.archive)-chainArchiveLimit:]
		}
	} else {
		m.chains[chain.CommandID] = chain
	}

	return chain
}

// Chain looks up a command chain by id, active or archived.
func (m *Manager) Chain(commandID string) (models.CommandChain, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if chain, ok := m.chains[commandID]; ok {
		return chain, true
	}

	for i := len(m.archive) - 1; i >= 0; i-- {
		if m.archive[i].CommandID == commandID {
			return m.archive[i], true
		}
	}

	return models.CommandChain{}, false
}

// RecentChains returns up to n archived chains, newest first.
func (m *Manager) RecentChains(n int) []models.CommandChain {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n <= 0 || len(m.archive) == 0 {
		return nil
	}

	if n > len(m.archive) {
		n = len(m.archive)
	}

	out := make([]models.CommandChain, 0, n)
	for i := len(m.archive) - 1; i >= len(m.archive)-n; i-- {
		out = append(out, m.archive[i])
	}

	return out
}
