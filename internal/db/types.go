package db

// UserRole представляет роль пользователя
type UserRole string

const (
	RoleClient UserRole = "client"
	RoleBroker UserRole = "broker"
	RoleAdmin  UserRole = "admin"
)

func (r UserRole) String() string {
	return string(r)
}

func (r UserRole) IsValid() bool {
	switch r {
	case RoleClient, RoleBroker, RoleAdmin:
		return true
	}
	return false
}

func (r UserRole) DisplayName() string {
	switch r {
	case RoleClient:
		return "клиент"
	case RoleBroker:
		return "брокер"
	case RoleAdmin:
		return "администратор"
	}
	return "неизвестная роль"
}

// ApplicationStatus представляет статус заявки на диагностику
type ApplicationStatus string

const (
	StatusCreated             ApplicationStatus = "created"
	StatusDocumentsUploaded   ApplicationStatus = "documents_uploaded"
	StatusDiagnosisInProgress ApplicationStatus = "diagnosis_in_progress"
	StatusDiagnosisCompleted  ApplicationStatus = "diagnosis_completed"
	StatusDiagnosisFailed     ApplicationStatus = "diagnosis_failed"
	StatusApplicationsPending ApplicationStatus = "applications_pending"
	StatusApplicationsSent    ApplicationStatus = "applications_sent"
	StatusCompleted           ApplicationStatus = "completed"
	StatusRejected            ApplicationStatus = "rejected"
)

// TerminalStatuses - статусы, после которых заявка не считается активной
var TerminalStatuses = []ApplicationStatus{StatusCompleted, StatusRejected}

func (s ApplicationStatus) String() string {
	return string(s)
}

func (s ApplicationStatus) IsValid() bool {
	switch s {
	case StatusCreated, StatusDocumentsUploaded, StatusDiagnosisInProgress,
		StatusDiagnosisCompleted, StatusDiagnosisFailed, StatusApplicationsPending,
		StatusApplicationsSent, StatusCompleted, StatusRejected:
		return true
	}
	return false
}

func (s ApplicationStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusRejected
}

func (s ApplicationStatus) DisplayName() string {
	switch s {
	case StatusCreated:
		return "Заявка создана"
	case StatusDocumentsUploaded:
		return "Документы загружены"
	case StatusDiagnosisInProgress:
		return "Идет диагностика КИ"
	case StatusDiagnosisCompleted:
		return "Диагностика завершена"
	case StatusDiagnosisFailed:
		return "Ошибка диагностики"
	case StatusApplicationsPending:
		return "Заявления подготовлены"
	case StatusApplicationsSent:
		return "Заявления отправлены в БКИ"
	case StatusCompleted:
		return "Работа завершена"
	case StatusRejected:
		return "Заявка отклонена"
	}
	return string(s)
}

func (s ApplicationStatus) Emoji() string {
	switch s {
	case StatusCreated:
		return "📝"
	case StatusDocumentsUploaded:
		return "📄"
	case StatusDiagnosisInProgress:
		return "🔍"
	case StatusDiagnosisCompleted:
		return "✅"
	case StatusDiagnosisFailed:
		return "⚠️"
	case StatusApplicationsPending:
		return "⏳"
	case StatusApplicationsSent:
		return "📤"
	case StatusCompleted:
		return "🎉"
	case StatusRejected:
		return "❌"
	}
	return "❓"
}

// NextStep описывает, что пользователю делать дальше
func (s ApplicationStatus) NextStep() string {
	switch s {
	case StatusCreated:
		return "Загрузите кредитные отчеты из БКИ"
	case StatusDocumentsUploaded:
		return "Запустите диагностику командой /diagnose"
	case StatusDiagnosisInProgress:
		return "Ожидайте результаты диагностики"
	case StatusDiagnosisCompleted:
		return "Ознакомьтесь с результатами и рекомендациями"
	case StatusDiagnosisFailed:
		return "Проверьте документы и повторите /diagnose"
	case StatusApplicationsPending:
		return "Подтвердите отправку заявлений в БКИ"
	case StatusApplicationsSent:
		return "Ожидайте ответа от БКИ (до 30 дней)"
	case StatusCompleted:
		return "Работа завершена"
	case StatusRejected:
		return "Обратитесь в поддержку"
	}
	return "Свяжитесь с поддержкой"
}

// Actor - кто инициировал смену статуса
type Actor string

const (
	ActorSystem Actor = "system"
	ActorUser   Actor = "user"
	ActorAdmin  Actor = "admin"
)

func (a Actor) String() string {
	return string(a)
}

// DocumentType представляет тип загруженного документа
type DocumentType string

const (
	DocCreditReportNBKI    DocumentType = "credit_report_nbki"
	DocCreditReportOKB     DocumentType = "credit_report_okb"
	DocCreditReportEquifax DocumentType = "credit_report_equifax"
	DocPassport            DocumentType = "passport"
	DocOther               DocumentType = "other"
)

// BureauReportTypes - отчеты трех БКИ в порядке объединения для анализа
var BureauReportTypes = []DocumentType{DocCreditReportNBKI, DocCreditReportOKB, DocCreditReportEquifax}

func (t DocumentType) String() string {
	return string(t)
}

func (t DocumentType) IsValid() bool {
	switch t {
	case DocCreditReportNBKI, DocCreditReportOKB, DocCreditReportEquifax, DocPassport, DocOther:
		return true
	}
	return false
}

func (t DocumentType) IsBureauReport() bool {
	switch t {
	case DocCreditReportNBKI, DocCreditReportOKB, DocCreditReportEquifax:
		return true
	}
	return false
}

// BureauName возвращает название БКИ для отчетов бюро
func (t DocumentType) BureauName() string {
	switch t {
	case DocCreditReportNBKI:
		return "НБКИ"
	case DocCreditReportOKB:
		return "ОКБ"
	case DocCreditReportEquifax:
		return "Эквифакс"
	}
	return ""
}

func (t DocumentType) DisplayName() string {
	switch t {
	case DocCreditReportNBKI, DocCreditReportOKB, DocCreditReportEquifax:
		return "Отчет " + t.BureauName()
	case DocPassport:
		return "Паспорт"
	case DocOther:
		return "Другой документ"
	}
	return "неизвестный тип"
}

func (t DocumentType) Emoji() string {
	switch t {
	case DocCreditReportNBKI, DocCreditReportOKB, DocCreditReportEquifax:
		return "📊"
	case DocPassport:
		return "🪪"
	}
	return "📄"
}

// BrokerApplicationStatus представляет статус заявки на роль брокера
type BrokerApplicationStatus string

const (
	BrokerAppPending  BrokerApplicationStatus = "pending"
	BrokerAppApproved BrokerApplicationStatus = "approved"
	BrokerAppRejected BrokerApplicationStatus = "rejected"
)

func (s BrokerApplicationStatus) String() string {
	return string(s)
}

func (s BrokerApplicationStatus) DisplayName() string {
	switch s {
	case BrokerAppPending:
		return "на рассмотрении"
	case BrokerAppApproved:
		return "одобрена"
	case BrokerAppRejected:
		return "отклонена"
	}
	return "неизвестный статус"
}

func (s BrokerApplicationStatus) Emoji() string {
	switch s {
	case BrokerAppPending:
		return "⏳"
	case BrokerAppApproved:
		return "✅"
	case BrokerAppRejected:
		return "❌"
	}
	return "❓"
}

// Типы инвайт-кодов
const (
	CodeTypeBroker = "broker"
	CodeTypeAdmin  = "admin"
)
