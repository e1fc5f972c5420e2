package lifecycle

import "credit-bot/internal/db"

// successors - допустимые переходы статусов заявки.
// REJECTED достижим из любого нетерминального статуса.
var successors = map[db.ApplicationStatus][]db.ApplicationStatus{
	db.StatusCreated: {
		db.StatusDocumentsUploaded,
		db.StatusDiagnosisInProgress,
	},
	db.StatusDocumentsUploaded: {
		db.StatusDiagnosisInProgress,
	},
	db.StatusDiagnosisInProgress: {
		db.StatusDiagnosisCompleted,
		db.StatusDiagnosisFailed,
	},
	db.StatusDiagnosisFailed: {
		db.StatusDocumentsUploaded,
		db.StatusDiagnosisInProgress,
	},
	db.StatusDiagnosisCompleted: {
		db.StatusApplicationsPending,
		db.StatusCompleted,
	},
	db.StatusApplicationsPending: {
		db.StatusApplicationsSent,
	},
	db.StatusApplicationsSent: {
		db.StatusCompleted,
	},
}

// CanTransition сообщает, разрешен ли переход from -> to без вмешательства администратора
func CanTransition(from, to db.ApplicationStatus) bool {
	if from.IsTerminal() {
		return false
	}
	if to == db.StatusRejected {
		return true
	}
	for _, s := range successors[from] {
		if s == to {
			return true
		}
	}
	return false
}

// DiagnosisStartable - статусы, из которых можно запустить диагностику
func DiagnosisStartable(s db.ApplicationStatus) bool {
	return CanTransition(s, db.StatusDiagnosisInProgress)
}
