package session

import "time"

// State is the controller's screen. One state is current at a time; the
// UI renders whatever the last broadcast named.
type State string

const (
	StateStart        State = "start"
	StateVirgin       State = "virgin"
	StateUnpaired     State = "unpaired"
	StatePendingIdle  State = "pendingIdle"
	StateChooseCoin   State = "chooseCoin"
	StateScanAddress  State = "scanAddress"
	StateCashInWait   State = "cashInWaiting"
	StateConnecting   State = "connecting"
	StateMaintenance  State = "maintenance"
	StateNetworkDown  State = "networkDown"
	StateBalanceLow   State = "balanceLow"
	StateAreYouSure   State = "areYouSure"
	StateGoodbye      State = "goodbye"
	StateTermsScreen  State = "termsScreen"
	StateInsertPromo  State = "insertPromoCode"
	StateFiatError    State = "fiatError"
	StateFiatTxError  State = "fiatTransactionError"
	StateWrongCashOut State = "wrongDispenserCurrency"

	StateAcceptingFirstBill          State = "acceptingFirstBill"
	StateAcceptingBills              State = "acceptingBills"
	StateAcceptingFirstRecyclerBills State = "acceptingFirstRecyclerBills"
	StateAcceptingRecyclerBills      State = "acceptingRecyclerBills"
	StateBillsRead                   State = "billsRead"
	StateBillInserted                State = "billInserted"
	StateCashInComplete              State = "cashInComplete"

	StateSMSVerification   State = "smsVerification"
	StateEmailVerification State = "emailVerification"
	StatePermissionID      State = "permission_id"
	StatePermissionPhoto   State = "permission_face_photo"
	StatePermissionSSN     State = "usSsnPermission"
	StatePermissionExtern  State = "externalPermission"
	StatePermissionCustom  State = "customInfoRequestPermission"
	StateBlockedCustomer   State = "blockedCustomer"
	StateSuspended         State = "suspendedCustomer"
	StateHardLimitReached  State = "hardLimitReached"

	StateChooseFiat     State = "chooseFiat"
	StateDeposit        State = "deposit"
	StatePendingDeposit State = "pendingDeposit"
	StateDispensing     State = "dispensing"
	StateFiatComplete   State = "fiatComplete"
	StateOutOfCash      State = "outOfCash"
	StateDepositTimeout State = "depositTimeout"
	StateRedeemLater    State = "redeemLater"
)

const (
	defaultScreenTimeout = 30 * time.Second
	// bill screens stay up longer: a customer counting cash is not idle
	billScreenTimeout = 2 * time.Minute
	networkDownDelay  = 5 * time.Minute
	dispenseBatchWait = 5 * time.Minute
)

// acceptingStates are the screens during which the validator may read a
// bill batch into escrow.
var acceptingStates = map[State]bool{
	StateAcceptingFirstBill:          true,
	StateAcceptingBills:              true,
	StateAcceptingFirstRecyclerBills: true,
	StateAcceptingRecyclerBills:      true,
	StateBillsRead:                   true,
	StateBillInserted:                true,
}

// firstBillStates are the accepting screens before any bill was stacked.
var firstBillStates = map[State]bool{
	StateAcceptingFirstBill:          true,
	StateAcceptingFirstRecyclerBills: true,
}

// txStates are the screens during which money or an address is in play;
// a network outage must interrupt these immediately.
var txStates = map[State]bool{
	StateAcceptingFirstBill:          true,
	StateAcceptingBills:              true,
	StateAcceptingFirstRecyclerBills: true,
	StateAcceptingRecyclerBills:      true,
	StateBillsRead:                   true,
	StateBillInserted:                true,
	StateScanAddress:                 true,
	StateChooseFiat:                  true,
	StateDeposit:                     true,
	StatePendingDeposit:              true,
	StateDispensing:                  true,
}

// longScreens keep the longer bill timeout instead of the default.
var longScreens = map[State]bool{
	StateAcceptingFirstBill:          true,
	StateAcceptingBills:              true,
	StateAcceptingFirstRecyclerBills: true,
	StateAcceptingRecyclerBills:      true,
	StateChooseFiat:                  true,
	StateDeposit:                     true,
	StateInsertPromo:                 true,
	StateTermsScreen:                 true,
}

func (s State) accepting() bool  { return acceptingStates[s] }
func (s State) firstBill() bool  { return firstBillStates[s] }
func (s State) inTx() bool       { return txStates[s] }
func (s State) longScreen() bool { return longScreens[s] }

// screenTimeout is how long the screen may sit before falling back to idle.
func (s State) screenTimeout() time.Duration {
	if s.longScreen() {
		return billScreenTimeout
	}
	return defaultScreenTimeout
}
