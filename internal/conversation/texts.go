package conversation

import (
	"fmt"
	"strings"
	"time"

	"github.com/clinivia/agendabot/internal/cpf"
	"github.com/clinivia/agendabot/internal/scheduling"
)

// ClinicInfo personalizes outbound texts.
type ClinicInfo struct {
	Name    string
	Address string
	Phone   string
}

func greeting(now time.Time) string {
	switch h := now.Hour(); {
	case h >= 5 && h < 12:
		return "Bom dia"
	case h >= 12 && h < 18:
		return "Boa tarde"
	default:
		return "Boa noite"
	}
}

func welcomeText(now time.Time, clinic ClinicInfo) string {
	return fmt.Sprintf(`%s! Bem-vindo(a) à *%s*!

Sou seu assistente virtual de agendamento.

Para agendar sua consulta, informe seu CPF (apenas números):

Exemplo: 12345678901

Digite *sair* a qualquer momento para encerrar.`, greeting(now), clinic.Name)
}

func invalidCPFText() string {
	return `CPF inválido!

Por favor, informe seu CPF corretamente (apenas números):

Exemplo: 12345678901

Ou digite *menu* para recomeçar.`
}

func patientNotFoundText(clinic ClinicInfo) string {
	return fmt.Sprintf(`Não encontramos cadastro para esse CPF.

Verifique os números e envie novamente, ou entre em contato com a clínica: %s`, clinic.Phone)
}

func patientFoundText(name, maskedCPF string) string {
	return fmt.Sprintf(`CPF validado com sucesso!

Paciente: %s
CPF: %s`, name, maskedCPF)
}

func datesText(dates []string) string {
	var b strings.Builder
	b.WriteString("*Datas disponíveis*\n\n")
	for i, d := range dates {
		fmt.Fprintf(&b, "*%d* - %s\n", i+1, d)
	}
	b.WriteString("\nDigite o número da data desejada ou *menu* para recomeçar.")
	return b.String()
}

func slotsText(date string, slots []scheduling.Slot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*Horários disponíveis* para %s:\n\n", date)
	for i, s := range slots {
		fmt.Fprintf(&b, "*%d* - %s\n", i+1, s.StartTime)
	}
	b.WriteString("\nDigite o número do horário desejado ou *menu* para recomeçar.")
	return b.String()
}

func summaryText(st *State) string {
	return fmt.Sprintf(`*Confirme seu agendamento:*

Paciente: %s
Data: %s
Horário: %s

Responda *sim* para confirmar ou *não* para cancelar.`,
		st.PatientName, st.SelectedDate, st.SelectedSlot.StartTime)
}

func bookedText(st *State, clinic ClinicInfo) string {
	return fmt.Sprintf(`*Consulta agendada com sucesso!*

Paciente: %s
CPF: %s
Data: %s
Horário: %s

*Endereço:*
%s
%s

*Lembretes:*
- Chegue com 15 minutos de antecedência
- Traga documento com foto
- Traga carteira do convênio (se aplicável)

Até lá!`,
		st.PatientName, cpf.Mask(st.CPF), st.SelectedDate, st.SelectedSlot.StartTime,
		clinic.Name, clinic.Address)
}

func slotTakenText() string {
	return "Esse horário acabou de ser preenchido. Escolha outro, por favor:"
}

func cancelledText() string {
	return "Agendamento cancelado. Envie uma nova mensagem quando quiser recomeçar."
}

func abandonedText(clinic ClinicInfo) string {
	return fmt.Sprintf(`Não consegui entender suas respostas.

Vou encerrar por aqui. Para agendar por telefone, ligue: %s

Envie uma nova mensagem quando quiser tentar de novo.`, clinic.Phone)
}

func unavailableText() string {
	return "Nosso sistema de agendamento está instável no momento. Tente novamente em alguns minutos, por favor."
}

func noDatesText() string {
	return "No momento não há datas disponíveis para agendamento. Tente novamente mais tarde."
}

func noSlotsText(date string) string {
	return fmt.Sprintf("Não há horários disponíveis em %s. Escolha outra data:", date)
}

func invalidMessageText() string {
	return "Mensagem muito longa ou inválida. Por favor, tente novamente."
}

func didNotUnderstandText() string {
	return "Não entendi sua resposta."
}
